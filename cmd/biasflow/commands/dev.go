package commands

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/biasflow/biasflow/pkg/driver"
)

// devDebounce coalesces the write bursts editors produce on save.
const devDebounce = 200 * time.Millisecond

func newDevCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dev",
		Short: "Watch the config and script, revalidating on change",
		Long: `Watch the run config and input script and revalidate on every save.

Validation covers the config schema, the script grammar and dependency
graph, and the policy rules, so feedback lands while the input is being
written instead of when the run starts.`,
		Example: `  # Watch the default config and its script
  biasflow dev

  # Watch a specific config
  biasflow dev -c runs/alanine.cue`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			watcher, err := fsnotify.NewWatcher()
			if err != nil {
				return err
			}
			defer watcher.Close()

			// Watch directories, not files: editors that save via
			// rename-over would otherwise drop the watch.
			watched := map[string]bool{}
			watch := func(path string) error {
				dir := filepath.Dir(path)
				if watched[dir] {
					return nil
				}
				if err := watcher.Add(dir); err != nil {
					return err
				}
				watched[dir] = true
				return nil
			}
			if err := watch(configPath); err != nil {
				return err
			}

			revalidate := func() {
				cfg, err := loadConfig()
				if err != nil {
					log.Error().Err(err).Msg("config invalid")
					return
				}
				if err := watch(cfg.Run.Script); err != nil {
					log.Warn().Err(err).Str("script", cfg.Run.Script).Msg("cannot watch script")
				}

				d, err := driver.New(cfg, nil)
				if err != nil {
					log.Error().Err(err).Msg("validation setup failed")
					return
				}
				e, pres, err := d.Validate(cmd.Context())
				if err != nil {
					log.Error().Err(err).Msg("script invalid")
					return
				}
				if pres != nil && !pres.Allowed {
					for _, v := range pres.Violations {
						log.Warn().
							Str("policy", v.Policy).
							Str("label", v.Label).
							Msg(v.Message)
					}
					log.Error().Int("violations", len(pres.Violations)).Msg("policy checks failed")
					return
				}
				log.Info().Int("actions", e.ActionSet().Len()).Msg("input valid")
			}

			fmt.Printf("Watching %s; press Ctrl+C to stop.\n", configPath)
			revalidate()

			var pending *time.Timer
			fire := make(chan struct{}, 1)
			for {
				select {
				case <-cmd.Context().Done():
					return nil
				case <-fire:
					revalidate()
				case err, ok := <-watcher.Errors:
					if !ok {
						return nil
					}
					log.Warn().Err(err).Msg("watch error")
				case ev, ok := <-watcher.Events:
					if !ok {
						return nil
					}
					if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
						continue
					}
					log.Debug().Str("file", ev.Name).Str("op", ev.Op.String()).Msg("change detected")
					if pending != nil {
						pending.Stop()
					}
					pending = time.AfterFunc(devDebounce, func() {
						select {
						case fire <- struct{}{}:
						default:
						}
					})
				}
			}
		},
	}
	return cmd
}
