// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package policy

import (
	"strconv"
	"strings"
)

// Config selects which scripts run in which phase.
type Config struct {
	// Script runs in every phase. With ReadContent it runs against the body.
	Script string `mapstructure:"script" yaml:"script" json:"script,omitempty"`

	OnRequestScript         string `mapstructure:"onRequestScript" yaml:"onRequestScript" json:"onRequestScript,omitempty"`
	OnResponseScript        string `mapstructure:"onResponseScript" yaml:"onResponseScript" json:"onResponseScript,omitempty"`
	OnRequestContentScript  string `mapstructure:"onRequestContentScript" yaml:"onRequestContentScript" json:"onRequestContentScript,omitempty"`
	OnResponseContentScript string `mapstructure:"onResponseContentScript" yaml:"onResponseContentScript" json:"onResponseContentScript,omitempty"`

	// Scripts extends the content chain of both directions when ReadContent is set.
	Scripts []string `mapstructure:"scripts" yaml:"scripts" json:"scripts,omitempty"`

	ReadContent     bool `mapstructure:"readContent" yaml:"readContent" json:"readContent"`
	OverrideContent bool `mapstructure:"overrideContent" yaml:"overrideContent" json:"overrideContent"`
}

// namedScript is a script with the configuration key it came from.
type namedScript struct {
	name    string
	content string
}

func isBlank(s string) bool {
	return strings.TrimSpace(s) == ""
}

// plan describes what one HTTP direction runs.
type plan struct {
	headers *namedScript  // headers-only script, nil when the content path is taken
	content []namedScript // content chain, empty when the phase reads no body
}

func (p plan) empty() bool {
	return p.headers == nil && len(p.content) == 0
}

// planFor picks between the headers-only and the content path of one direction.
func (c *Config) planFor(phaseKey, phaseScript, contentKey, contentScript string) plan {
	hasExtra := false
	for _, s := range c.Scripts {
		if !isBlank(s) {
			hasExtra = true
			break
		}
	}

	if (c.ReadContent && (!isBlank(c.Script) || hasExtra)) || !isBlank(contentScript) {
		var chain []namedScript
		if c.ReadContent && !isBlank(c.Script) {
			chain = append(chain, namedScript{name: "script", content: c.Script})
		}
		if !isBlank(contentScript) {
			chain = append(chain, namedScript{name: contentKey, content: contentScript})
		}
		if c.ReadContent {
			for i, s := range c.Scripts {
				if !isBlank(s) {
					chain = append(chain, namedScript{name: "scripts[" + strconv.Itoa(i) + "]", content: s})
				}
			}
		}
		return plan{content: chain}
	}

	if !isBlank(c.Script) {
		return plan{headers: &namedScript{name: "script", content: c.Script}}
	}
	if !isBlank(phaseScript) {
		return plan{headers: &namedScript{name: phaseKey, content: phaseScript}}
	}
	return plan{}
}

func (c *Config) requestPlan() plan {
	return c.planFor("onRequestScript", c.OnRequestScript, "onRequestContentScript", c.OnRequestContentScript)
}

func (c *Config) responsePlan() plan {
	return c.planFor("onResponseScript", c.OnResponseScript, "onResponseContentScript", c.OnResponseContentScript)
}
