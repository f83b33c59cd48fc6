package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/altan/realtime/pkg/realtime/wire"
	"github.com/spf13/cobra"
)

var decodeCmd = &cobra.Command{
	Use:   "decode [frame]",
	Short: "Decode a base64 gateway frame into JSON",
	Long: `Decode a base64 gateway frame and print it as indented JSON.

The frame is read from standard input when no argument is given or the
argument is "-".

Examples:
  realtime decode eyJ0eXBlIjoiYWNrIn0=
  pbpaste | realtime decode`,
	Args: cobra.MaximumNArgs(1),
	RunE: runDecode,
}

var encodeCmd = &cobra.Command{
	Use:   "encode [json]",
	Short: "Encode a JSON object as a base64 gateway frame",
	Long: `Encode a JSON object the way the gateway sends frames.

The object is read from standard input when no argument is given or the
argument is "-".

Examples:
  realtime encode '{"type":"deployment.updated","data":{"id":"d1"}}'`,
	Args: cobra.MaximumNArgs(1),
	RunE: runEncode,
}

func init() {
	rootCmd.AddCommand(decodeCmd)
	rootCmd.AddCommand(encodeCmd)
}

func runDecode(cmd *cobra.Command, args []string) error {
	input, err := readInput(cmd, args)
	if err != nil {
		return err
	}

	frame, err := wire.DecodeFrame(input)
	if err != nil {
		return err
	}

	var out bytes.Buffer
	if err := json.Indent(&out, frame.Raw(), "", "  "); err != nil {
		return fmt.Errorf("failed to format frame: %w", err)
	}
	out.WriteByte('\n')

	_, err = cmd.OutOrStdout().Write(out.Bytes())
	return err
}

func runEncode(cmd *cobra.Command, args []string) error {
	input, err := readInput(cmd, args)
	if err != nil {
		return err
	}

	var fields map[string]any
	if err := json.Unmarshal(input, &fields); err != nil {
		return fmt.Errorf("input must be a JSON object: %w", err)
	}
	if fields == nil {
		return fmt.Errorf("input must be a JSON object")
	}

	encoded, err := wire.EncodeFrame(json.RawMessage(bytes.TrimSpace(input)))
	if err != nil {
		return err
	}

	_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s\n", encoded)
	return err
}

func readInput(cmd *cobra.Command, args []string) ([]byte, error) {
	if len(args) == 1 && args[0] != "-" {
		return []byte(strings.TrimSpace(args[0])), nil
	}

	data, err := io.ReadAll(cmd.InOrStdin())
	if err != nil {
		return nil, fmt.Errorf("failed to read input: %w", err)
	}
	return bytes.TrimSpace(data), nil
}
