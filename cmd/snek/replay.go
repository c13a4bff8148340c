package main

import (
	"context"
	"fmt"
	"os"

	"github.com/brensch/snekweb/game"
	"github.com/brensch/snekweb/render"
	"github.com/brensch/snekweb/store"
	"github.com/urfave/cli/v3"
)

func replay(ctx context.Context, cmd *cli.Command) error {
	path := cmd.Args().First()
	if path == "" {
		return fmt.Errorf("replay needs a trace file")
	}
	rows, err := store.ReadTrace(path)
	if err != nil {
		return err
	}

	out := cmd.Root().Writer
	if out == nil {
		out = os.Stdout
	}
	only := cmd.String("game")

	for _, row := range rows {
		if err := ctx.Err(); err != nil {
			return err
		}
		if only != "" && row.GameID != only {
			continue
		}
		f := game.Frame{
			GameID:   row.GameID,
			Size:     int(row.Size),
			Boundary: row.Boundary,
			Snake:    row.Body(),
			Food:     game.Point{X: int(row.FoodX), Y: int(row.FoodY)},
			Turn:     int(row.Turn),
		}
		fmt.Fprintf(out, "game %s turn %d action %s scores %v\n", row.GameID, row.Turn, game.Direction(row.Action), row.Scores)
		fmt.Fprint(out, render.Board(f))
		if !row.Alive {
			fmt.Fprintf(out, "game over: %s\n", row.Cause)
		}
		fmt.Fprintln(out)
	}
	return nil
}
