package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"modguard/internal/config"
	"modguard/internal/moderation"
)

func runPolicyShow(cctx *cli.Context) error {
	return withEngine(cctx, func(ctx context.Context, e *moderation.Engine) error {
		p, err := e.Policy(ctx, cctx.Int64("guild"))
		if err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(p)
	})
}

// runPolicySet layers the file over the config file's policy for the guild,
// so the file only needs the fields it changes.
func runPolicySet(cctx *cli.Context) error {
	path := cctx.String("file")
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	over, err := config.ParseGuildPolicy(path, data)
	if err != nil {
		return err
	}
	cfg, err := config.NewManager(cctx.String("config")).Load()
	if err != nil {
		return err
	}
	guild := cctx.Int64("guild")
	p, err := moderation.PolicyFromConfig(guild, config.Merge(cfg.Moderation.PolicyFor(guild), over))
	if err != nil {
		return err
	}
	return withEngine(cctx, func(ctx context.Context, e *moderation.Engine) error {
		if err := e.SetPolicy(ctx, guild, p); err != nil {
			return err
		}
		fmt.Printf("policy override stored for guild %d\n", guild)
		return nil
	})
}
