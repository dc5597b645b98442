package policy

// Builtin rule sets. They run on the parsed directives, before any action
// is constructed, so they catch script mistakes that would otherwise
// surface one at a time during construction.

const atomBoundsRego = `
package biasflow.atom_bounds

import rego.v1

serials(a) := split(a.fields.ATOMS, ",")

deny contains v if {
	some a in input.actions
	some s in serials(a)
	to_number(s) < 1
	v := {
		"message": sprintf("action %s: atom serial %s is not positive (serials are 1-based)", [a.label, s]),
		"label": a.label,
		"line": a.line,
	}
}

deny contains v if {
	input.natoms > 0
	some a in input.actions
	some s in serials(a)
	to_number(s) > input.natoms
	v := {
		"message": sprintf("action %s: atom serial %s exceeds the system size %d", [a.label, s, input.natoms]),
		"label": a.label,
		"line": a.line,
	}
}
`

const strideRego = `
package biasflow.stride

import rego.v1

deny contains v if {
	some a in input.actions
	to_number(a.fields.STRIDE) < 1
	v := {
		"message": sprintf("action %s: STRIDE must be a positive step count", [a.label]),
		"label": a.label,
		"line": a.line,
	}
}

deny contains v if {
	some a in input.actions
	to_number(a.fields.STRIDE) != floor(to_number(a.fields.STRIDE))
	v := {
		"message": sprintf("action %s: STRIDE must be an integer", [a.label]),
		"label": a.label,
		"line": a.line,
	}
}
`

const labelRego = `
package biasflow.labels

import rego.v1

deny contains v if {
	some a in input.actions
	not startswith(a.label, "@")
	not regex.match("^[a-zA-Z][a-zA-Z0-9_.-]*$", a.label)
	v := {
		"message": sprintf("label %q: labels start with a letter and use letters, digits, _ . -", [a.label]),
		"label": a.label,
		"line": a.line,
	}
}
`

const springRego = `
package biasflow.springs

import rego.v1

deny contains v if {
	some a in input.actions
	to_number(a.fields.KAPPA) < 0
	v := {
		"message": sprintf("action %s: negative KAPPA inverts the restraint; check the sign", [a.label]),
		"label": a.label,
		"line": a.line,
		"severity": "warning",
	}
}
`

// BuiltinPolicies returns the rule sets compiled into every engine.
func BuiltinPolicies() []Policy {
	return []Policy{
		{
			Name:        "atom-bounds",
			Description: "atom serials are 1-based and within the system size",
			Severity:    SeverityError,
			Enabled:     true,
			Rego:        atomBoundsRego,
			Source:      "builtin",
		},
		{
			Name:        "stride",
			Description: "STRIDE values are positive integers",
			Severity:    SeverityError,
			Enabled:     true,
			Rego:        strideRego,
			Source:      "builtin",
		},
		{
			Name:        "labels",
			Description: "explicit labels follow the naming convention",
			Severity:    SeverityError,
			Enabled:     true,
			Rego:        labelRego,
			Source:      "builtin",
		},
		{
			Name:        "springs",
			Description: "spring constants have the conventional sign",
			Severity:    SeverityWarning,
			Enabled:     true,
			Rego:        springRego,
			Source:      "builtin",
		},
	}
}
