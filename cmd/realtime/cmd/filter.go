package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/altan/realtime/pkg/realtime/wire"
	"github.com/itchyny/gojq"
)

// frameFilter runs a jq query over each printed frame. The query sees the
// frame object as its input and the frame type as $type.
type frameFilter struct {
	query string
	code  *gojq.Code
}

func newFrameFilter(query string) (*frameFilter, error) {
	parsed, err := gojq.Parse(query)
	if err != nil {
		return nil, fmt.Errorf("failed to parse jq query '%s': %w", query, err)
	}

	code, err := gojq.Compile(parsed, gojq.WithVariables([]string{"$type"}))
	if err != nil {
		return nil, fmt.Errorf("failed to compile jq query '%s': %w", query, err)
	}

	return &frameFilter{query: query, code: code}, nil
}

// Apply returns every value the query yields. No values means the frame is
// filtered out.
func (f *frameFilter) Apply(ctx context.Context, frame wire.Frame) ([]any, error) {
	var results []any

	iter := f.code.RunWithContext(ctx, frame.Fields(), frame.Type())
	for {
		v, ok := iter.Next()
		if !ok {
			break
		}
		if err, ok := v.(error); ok {
			if err, ok := err.(*gojq.HaltError); ok && err.Value() == nil {
				break
			}
			return nil, fmt.Errorf("jq query '%s' failed: %w", f.query, err)
		}
		results = append(results, v)
	}

	return results, nil
}

// framePrinter writes frames as "type<TAB>json" lines, or the filter output
// as one JSON value per line.
type framePrinter struct {
	out    io.Writer
	filter *frameFilter
}

func (p *framePrinter) Print(ctx context.Context, frame wire.Frame) error {
	if p.filter == nil {
		data, err := json.Marshal(frame)
		if err != nil {
			return fmt.Errorf("failed to marshal frame: %w", err)
		}
		_, err = fmt.Fprintf(p.out, "%s\t%s\n", frame.Type(), data)
		return err
	}

	results, err := p.filter.Apply(ctx, frame)
	if err != nil {
		return err
	}
	for _, v := range results {
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("failed to marshal jq result: %w", err)
		}
		if _, err := fmt.Fprintf(p.out, "%s\n", data); err != nil {
			return err
		}
	}
	return nil
}
