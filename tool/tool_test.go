// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package tool

import (
	"bytes"
	"os"
	"strings"
	"testing"

	"github.com/cockroachdb/datadriven"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"
	"github.com/tsindex/flank/internal/base"
	"github.com/tsindex/flank/vfs"
)

const testSchema = "price:float64:agg qty:int32:agg flag:bool"

// runCommand runs the tool with args and returns everything it printed.
func runCommand(fs vfs.FS, schemaStr string, args ...string) string {
	var buf bytes.Buffer
	stdout = &buf
	stderr = &buf
	osExit = func(int) {}
	defer func() {
		stdout = os.Stdout
		stderr = os.Stderr
		osExit = os.Exit
	}()

	c := &cobra.Command{}
	c.AddCommand(New(FS(fs), DefaultSchema(schemaStr), Logger(base.NoopLogger{})).Commands...)
	c.SetArgs(args)
	c.SetOutput(&buf)
	if err := c.Execute(); err != nil {
		return err.Error()
	}
	return buf.String()
}

func writeFile(t *testing.T, fs vfs.FS, name, data string) {
	f, err := fs.Create(name)
	require.NoError(t, err)
	_, err = f.Write([]byte(data))
	require.NoError(t, err)
	require.NoError(t, f.Close())
}

func TestTool(t *testing.T) {
	fs := vfs.NewMem()
	datadriven.RunTest(t, "testdata/tool", func(t *testing.T, d *datadriven.TestData) string {
		if d.Cmd == "file" {
			var name string
			d.ScanArgs(t, "name", &name)
			writeFile(t, fs, name, d.Input)
			return ""
		}
		args := []string{d.Cmd}
		for _, arg := range d.CmdArgs {
			args = append(args, arg.String())
		}
		args = append(args, strings.Fields(d.Input)...)
		return runCommand(fs, testSchema, args...)
	})
}

func TestToolContainer(t *testing.T) {
	fs := vfs.NewMem()
	out := runCommand(fs, testSchema, "bench", "append", "db", "--events=3000", "--ooo=0.05", "--readers=2", "--flush-every=500")
	require.Contains(t, out, "3000 events in")
	require.Contains(t, out, "insert")

	out = runCommand(fs, testSchema, "tree", "check", "db")
	require.Contains(t, out, "3000 events")

	out = runCommand(fs, testSchema, "container", "info", "db")
	require.Contains(t, out, "state:       clean")
	require.Contains(t, out, "compression: snappy")
	require.Contains(t, out, "translation levels")

	out = runCommand(fs, testSchema, "container", "units", "db", "--kind=macro")
	require.Contains(t, out, "| macro")
	require.Contains(t, out, "translation blocks")
	require.NotContains(t, out, "| translation")

	out = runCommand(fs, testSchema, "tree", "stats", "db")
	require.Contains(t, out, "out-of-order:")
}

func TestToolNoSchema(t *testing.T) {
	out := runCommand(vfs.NewMem(), "", "tree", "scan", "db")
	require.Contains(t, out, "no schema")
}
