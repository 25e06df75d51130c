// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	jspolicy "github.com/buke/js-policy"
	"github.com/buke/js-policy/policy"
	"github.com/spf13/cobra"
	"github.com/tidwall/gjson"
)

// report is what eval prints: the script's outcome and the facades after it ran.
type report struct {
	Phase      string          `json:"phase"`
	State      jspolicy.State  `json:"state"`
	Output     string          `json:"output,omitempty"`
	Failure    *failureReport  `json:"failure,omitempty"`
	Error      string          `json:"error,omitempty"`
	Request    *requestReport  `json:"request,omitempty"`
	Response   *responseReport `json:"response,omitempty"`
	Message    *messageReport  `json:"message,omitempty"`
	Attributes map[string]any  `json:"attributes"`
}

type failureReport struct {
	StatusCode  int    `json:"code"`
	Key         string `json:"key,omitempty"`
	Message     string `json:"message,omitempty"`
	ContentType string `json:"contentType,omitempty"`
}

type requestReport struct {
	Method  string      `json:"method"`
	URI     string      `json:"uri"`
	Headers http.Header `json:"headers"`
}

type responseReport struct {
	Status  int         `json:"status"`
	Reason  string      `json:"reason"`
	Headers http.Header `json:"headers"`
}

type messageReport struct {
	Content    string         `json:"content"`
	Headers    http.Header    `json:"headers"`
	Attributes map[string]any `json:"attributes"`
}

func newEvalCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "eval <script.js>",
		Short: "Evaluate a script against a fixture",
		Long: `Evaluate one script against the exchange described by a YAML fixture and
print the outcome as JSON.

The fixture may declare request, response, message and context sections.
Content phases read the body of their own direction from the fixture.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fixturePath, _ := cmd.Flags().GetString("fixture")
			phaseFlag, _ := cmd.Flags().GetString("phase")
			query, _ := cmd.Flags().GetString("query")
			failOnInterrupt, _ := cmd.Flags().GetBool("fail-on-interrupt")

			src, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("failed to read script: %w", err)
			}
			fx, err := loadFixture(fixturePath)
			if err != nil {
				return err
			}
			if phaseFlag == "" {
				phaseFlag = fx.Phase
			}
			if phaseFlag == "" {
				phaseFlag = jspolicy.PhaseRequest.String()
			}
			phase, err := parsePhase(phaseFlag)
			if err != nil {
				return err
			}

			rt, err := newRuntime(a.cfg, a.logger)
			if err != nil {
				return err
			}
			defer rt.close()

			script := &jspolicy.Script{Content: string(src), FileName: filepath.Base(args[0])}
			rep, err := evaluate(cmd.Context(), rt.executor, fx, phase, script)
			if err != nil {
				return err
			}

			out, err := json.MarshalIndent(rep, "", "  ")
			if err != nil {
				return fmt.Errorf("failed to encode report: %w", err)
			}
			if query != "" {
				res := gjson.GetBytes(out, query)
				if !res.Exists() {
					return fmt.Errorf("query %q matched nothing", query)
				}
				fmt.Fprintln(cmd.OutOrStdout(), res.String())
			} else {
				fmt.Fprintln(cmd.OutOrStdout(), string(out))
			}

			if failOnInterrupt && rep.State == jspolicy.StateFailure {
				return fmt.Errorf("script interrupted the exchange: %s", rep.Failure.Key)
			}
			return nil
		},
	}

	cmd.Flags().StringP("fixture", "f", "", "YAML file describing the exchange")
	cmd.Flags().StringP("phase", "p", "", "Phase: request, response, request_content, response_content, message_request, message_response")
	cmd.Flags().StringP("query", "q", "", "Print only the report field at this path, e.g. failure.key")
	cmd.Flags().Bool("fail-on-interrupt", false, "Exit non-zero when the script sets FAILURE")
	return cmd
}

func evaluate(ctx context.Context, runner policy.Runner, fx *fixture, phase jspolicy.Phase, script *jspolicy.Script) (*report, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	inv, b, err := fx.invocation(phase, script)
	if err != nil {
		return nil, err
	}
	outcome, err := runner.Execute(ctx, inv)
	if err != nil {
		return nil, fmt.Errorf("failed to execute script: %w", err)
	}

	rep := &report{
		Phase:      phase.String(),
		State:      outcome.Result.State(),
		Output:     outcome.Output,
		Attributes: b.context.Attributes(),
	}
	if f := outcome.Result.Failure(); f != nil {
		rep.Failure = &failureReport{
			StatusCode:  f.StatusCode,
			Key:         f.Key,
			Message:     f.Message,
			ContentType: f.ContentType,
		}
	}
	if outcome.Cause != nil {
		rep.Error = outcome.Cause.Error()
	}
	if b.request != nil {
		hr := b.request.HTTPRequest()
		rep.Request = &requestReport{Method: hr.Method, URI: hr.URL.RequestURI(), Headers: hr.Header}
	}
	if b.response != nil {
		rep.Response = &responseReport{
			Status:  b.response.Status(),
			Reason:  b.response.Reason(),
			Headers: b.response.Headers(),
		}
	}
	if b.message != nil {
		rep.Message = &messageReport{
			Content:    string(b.message.Content()),
			Headers:    b.message.Headers(),
			Attributes: b.message.Attributes(),
		}
	}
	return rep, nil
}
