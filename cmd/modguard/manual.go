package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/urfave/cli/v2"

	"modguard/internal/app"
	"modguard/internal/moderation"
)

// withEngine builds the app without connecting the gateway. Platform calls
// go over REST only.
func withEngine(cctx *cli.Context, fn func(ctx context.Context, e *moderation.Engine) error) error {
	a, err := app.New(cctx.String("config"))
	if err != nil {
		return err
	}
	ctx := cctx.Context
	if err := a.Init(ctx); err != nil {
		_ = a.Close(context.Background())
		return err
	}
	runErr := fn(ctx, a.Engine())

	closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return errors.Join(runErr, a.Close(closeCtx))
}

func runApply(cctx *cli.Context) error {
	act, err := moderation.ParseAction(cctx.String("action"))
	if err != nil {
		return err
	}
	return withEngine(cctx, func(ctx context.Context, e *moderation.Engine) error {
		x, err := e.Apply(ctx, moderation.ManualAction{
			GuildID:     cctx.Int64("guild"),
			UserID:      cctx.Int64("user"),
			ModeratorID: cctx.Int64("moderator"),
			Action:      act,
			Reason:      cctx.String("reason"),
		})
		if err != nil {
			return err
		}
		fmt.Printf("%s: %s\n", act, x.State)
		for _, step := range x.Failed() {
			fmt.Printf("  %s failed: %v\n", step, x.Steps[step].Err)
		}
		switch {
		case x.Infraction == nil:
		case x.Infraction.ID == 0:
			fmt.Println("  infraction queued, storage unavailable")
		default:
			fmt.Printf("  infraction #%d recorded\n", x.Infraction.ID)
		}
		return nil
	})
}

func runLift(cctx *cli.Context) error {
	kind, err := moderation.ParseSanctionKind(cctx.String("kind"))
	if err != nil {
		return err
	}
	return withEngine(cctx, func(ctx context.Context, e *moderation.Engine) error {
		if err := e.Lift(ctx, cctx.Int64("guild"), cctx.Int64("user"), kind,
			cctx.Int64("moderator"), cctx.String("reason")); err != nil {
			return err
		}
		fmt.Printf("%s lifted\n", kind)
		return nil
	})
}
