package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/rlch/drover"
	"github.com/rlch/drover/classify"
	"github.com/rlch/drover/script"
)

// ErrCheckFailed is returned when any checked file has errors.
var ErrCheckFailed = errors.New("scripts contain errors")

func checkCommand() *cli.Command {
	return &cli.Command{
		Name:      "check",
		Usage:     "Parse suites and scripts without running them",
		ArgsUsage: "[suites, scripts or directories...]",
		Action:    runCheck,
	}
}

func runCheck(_ context.Context, cmd *cli.Command) error {
	files, err := collectFiles(cmd.Args().Slice())
	if err != nil {
		return err
	}

	var failed int

	for _, file := range files {
		failed += checkFile(os.Stderr, file)
	}

	if failed > 0 {
		return cli.Exit(fmt.Sprintf("%d error(s)", failed), 1)
	}

	fmt.Fprintf(os.Stdout, "%d file(s) ok\n", len(files))

	return nil
}

// checkFile reports every problem in one suite or script and returns how
// many it found.
func checkFile(w io.Writer, path string) int {
	suite, err := drover.LoadSuite(path)
	if err != nil {
		reportError(w, path, err)

		return 1
	}

	var failed int

	for _, c := range suite.Cases {
		name, src, err := suite.ReadScript(c)
		if err == nil {
			_, err = script.Parse(name, src)
		}

		if err != nil {
			reportError(w, firstNonEmpty(name, suite.Resolve(c.Script), c.Name), err)

			failed++
		}
	}

	return failed
}

func reportError(w io.Writer, path string, err error) {
	c := classify.Classify(err, "", "")

	file := c.File
	if file == "" {
		file = path
	}

	var loc strings.Builder

	loc.WriteString(file)

	if c.Line > 0 {
		fmt.Fprintf(&loc, ":%d", c.Line)

		if c.Column > 0 {
			fmt.Fprintf(&loc, ":%d", c.Column)
		}
	}

	fmt.Fprintf(w, "%s: error: %s\n", loc.String(), c.Message)
}
