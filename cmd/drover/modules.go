package main

import (
	"context"
	"os"
	"sort"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/urfave/cli/v3"

	"github.com/rlch/drover"
)

func modulesCommand() *cli.Command {
	return &cli.Command{
		Name:  "modules",
		Usage: "List registered modules and their operations",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "all",
				Usage: "include internal operations",
			},
		},
		Action: runModules,
	}
}

func runModules(_ context.Context, cmd *cli.Command) error {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"Module", "Operation", "Kind", "Usage"})

	for _, name := range drover.RegisteredModules() {
		mod, err := drover.NewModule(name, nil)
		if err != nil {
			return err
		}

		ops := mod.Operations()

		names := make([]string, 0, len(ops))
		for op := range ops {
			names = append(names, op)
		}

		sort.Strings(names)

		for _, op := range names {
			o := ops[op]
			if o.Kind == drover.OpInternal && !cmd.Bool("all") {
				continue
			}

			t.AppendRow(table.Row{name, op, o.Kind.String(), o.Usage})
		}

		t.AppendSeparator()
	}

	t.Render()

	return nil
}
