package config

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/hashicorp/hcl/v2"
	"github.com/sosodev/duration"
	"github.com/zclconf/go-cty/cty"
)

// isExpressionProvided reports whether an optional attribute was set. gohcl
// leaves an empty, zero-length expression for missing ones.
func isExpressionProvided(expr hcl.Expression) bool {
	return expr != nil && expr.Range().End.Byte > expr.Range().Start.Byte
}

// parseDuration evaluates expr as a duration. Numbers are seconds, strings
// starting with "P" are ISO 8601 durations and anything else goes through
// time.ParseDuration. Negative durations are rejected.
func parseDuration(expr hcl.Expression, evalCtx *hcl.EvalContext) (time.Duration, hcl.Diagnostics) {
	val, diags := expr.Value(evalCtx)
	if diags.HasErrors() {
		return 0, diags
	}

	if val.IsNull() || !val.IsKnown() {
		return 0, diags.Append(durationError(expr, "Invalid duration", "Duration must not be null"))
	}

	var d time.Duration

	switch val.Type() {
	case cty.Number:
		seconds, accuracy := val.AsBigFloat().Float64()
		if accuracy != big.Exact {
			diags = diags.Append(&hcl.Diagnostic{
				Severity: hcl.DiagWarning,
				Summary:  "Duration precision loss",
				Detail:   "The number provided for duration may have lost precision when converted to seconds",
				Subject:  expr.Range().Ptr(),
			})
		}
		d = time.Duration(seconds * float64(time.Second))

	case cty.String:
		str := strings.TrimSpace(val.AsString())

		if strings.HasPrefix(str, "P") {
			iso, err := duration.Parse(str)
			if err != nil {
				return 0, diags.Append(durationError(expr, "Invalid ISO 8601 duration",
					fmt.Sprintf("Failed to parse ISO 8601 duration '%s': %v", str, err)))
			}
			d = iso.ToTimeDuration()
		} else {
			var err error
			d, err = time.ParseDuration(str)
			if err != nil {
				return 0, diags.Append(durationError(expr, "Invalid duration format",
					fmt.Sprintf("Failed to parse duration '%s': %v. Expected a number (seconds), ISO 8601 duration (e.g., 'PT5S'), or Go duration (e.g., '5s')", str, err)))
			}
		}

	default:
		return 0, diags.Append(durationError(expr, "Invalid duration type",
			fmt.Sprintf("Duration must be a number (seconds) or string, got %s", val.Type().FriendlyName())))
	}

	if d < 0 {
		return 0, diags.Append(durationError(expr, "Invalid duration", "Duration must be positive"))
	}
	return d, diags
}

func durationError(expr hcl.Expression, summary, detail string) *hcl.Diagnostic {
	return &hcl.Diagnostic{
		Severity: hcl.DiagError,
		Summary:  summary,
		Detail:   detail,
		Subject:  expr.Range().Ptr(),
	}
}
