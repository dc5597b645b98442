package config

// schema is the CUE contract every run file must satisfy. Definitions are
// closed, so misspelled fields are rejected rather than ignored, and
// defaults live here instead of in Go code.
const schema = `
#Run: {
	name:        string & !=""
	script:      string & !=""
	trajectory?: string
	natoms:      int & >0
	timestep:    *0.001 | (number & >0)
	steps:       *0 | (int & >=0)
	mdEngine:    *"driver" | string
	suffix:      *"" | string
}

#Telemetry: {
	environment:      *"development" | "cluster"
	logLevel:         *"" | "trace" | "debug" | "info" | "warn" | "error" | "fatal"
	logFormat:        *"" | "console" | "json"
	metrics:          *false | bool
	metricsListen:    *"" | string
	tracing:          *false | bool
	tracingEndpoint:  *"" | string
	events:           *false | bool
}

#Store: {
	enabled: *false | bool
	path:    *"biasflow.db" | string
}

#Policy: {
	enabled: *true | bool
	paths:   *[] | [...string]
}

#Config: {
	run:       #Run
	telemetry: #Telemetry
	store:     #Store
	policy:    #Policy
}
`
