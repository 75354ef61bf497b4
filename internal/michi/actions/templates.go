package actions

import (
	"strings"

	"github.com/bdobrica/michi/internal/michi/executor"
)

// Template is the step plan and undo plan for one action type. Descriptions
// may contain {project} and {company}.
type Template struct {
	Steps []executor.Step
	Undo  []executor.Step
}

// DefaultTemplates is the built-in plan table.
var DefaultTemplates = map[string]Template{
	"deploy": {
		Steps: []executor.Step{
			{Type: "build", Description: "Build {project}"},
			{Type: "run_tests", Description: "Run tests for {project}"},
			{Type: "deploy", Description: "Deploy {project}"},
			{Type: "health_check", Description: "Check {project} health"},
		},
		Undo: []executor.Step{
			{Type: "rollback", Description: "Roll back {project} to the previous release"},
			{Type: "health_check", Description: "Check {project} health"},
		},
	},
	"rollback": {
		Steps: []executor.Step{
			{Type: "rollback", Description: "Roll back {project} to the previous release"},
			{Type: "health_check", Description: "Check {project} health"},
		},
	},
	"restart": {
		Steps: []executor.Step{
			{Type: "restart", Description: "Restart {project}"},
			{Type: "health_check", Description: "Check {project} health"},
		},
	},
	"run_tests": {
		Steps: []executor.Step{{Type: "run_tests", Description: "Run tests for {project}"}},
	},
	"build": {
		Steps: []executor.Step{{Type: "build", Description: "Build {project}"}},
	},
	"merge": {
		Steps: []executor.Step{
			{Type: "run_tests", Description: "Run tests for {project}"},
			{Type: "merge", Description: "Merge into {project}"},
		},
		Undo: []executor.Step{{Type: "revert", Description: "Revert the merge in {project}"}},
	},
	"create": {
		Steps: []executor.Step{{Type: "create", Description: "Create item in {project}"}},
		Undo:  []executor.Step{{Type: "delete", Description: "Delete the created item in {project}"}},
	},
	"delete": {
		Steps: []executor.Step{
			{Type: "backup", Description: "Back up {project}"},
			{Type: "delete", Description: "Delete from {project}"},
		},
	},
	"send": {
		Steps: []executor.Step{{Type: "send", Description: "Send message to {company}"}},
	},
	"record": {
		Steps: []executor.Step{{Type: "record", Description: "Record entry for {company}"}},
		Undo:  []executor.Step{{Type: "delete_record", Description: "Remove the recorded entry for {company}"}},
	},
	"check_status": {
		Steps: []executor.Step{{Type: "health_check", Description: "Check {project} health"}},
	},
}

// DefaultReversible is the closed set of action types that can be undone.
var DefaultReversible = []string{"deploy", "merge", "create", "record"}

func genericTemplate() Template {
	return Template{Steps: []executor.Step{{Type: "execute", Description: "Execute {action}"}}}
}

func render(steps []executor.Step, vars map[string]string) []executor.Step {
	if len(steps) == 0 {
		return nil
	}
	out := make([]executor.Step, len(steps))
	for i, s := range steps {
		s.Description = expand(s.Description, vars)
		if len(s.Params) > 0 {
			params := make(map[string]string, len(s.Params))
			for k, v := range s.Params {
				params[k] = expand(v, vars)
			}
			s.Params = params
		}
		out[i] = s
	}
	return out
}

func expand(s string, vars map[string]string) string {
	for k, v := range vars {
		if v == "" {
			v = "(unspecified)"
		}
		s = strings.ReplaceAll(s, "{"+k+"}", v)
	}
	return s
}
