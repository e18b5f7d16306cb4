package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
)

func main() {
	app := &cli.App{
		Name:  "modguard",
		Usage: "automated moderation daemon for Discord guilds",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Value:   "./config.yaml",
				Usage:   "path to config yaml or json",
				EnvVars: []string{"MODGUARD_CONFIG"},
			},
		},
		// Bare "modguard" runs the daemon.
		Action: runDaemon,
		Commands: []*cli.Command{
			{
				Name:   "run",
				Usage:  "connect to Discord and moderate until interrupted",
				Action: runDaemon,
			},
			{
				Name:   "check-config",
				Usage:  "parse and validate the config file, including every guild policy",
				Action: runCheckConfig,
			},
			{
				Name:  "sanctions",
				Usage: "list active temporary sanctions from storage",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "kind", Usage: "mute or ban (default: both)"},
					&cli.Int64Flag{Name: "guild", Usage: "only this guild"},
				},
				Action: runSanctions,
			},
			{
				Name:  "infractions",
				Usage: "show a member's infraction history, newest first",
				Flags: []cli.Flag{
					&cli.Int64Flag{Name: "guild", Required: true},
					&cli.Int64Flag{Name: "user", Required: true},
					&cli.IntFlag{Name: "limit", Value: 20},
				},
				Action: runInfractions,
			},
			{
				Name:  "apply",
				Usage: "apply a moderator action (warn, delete, temp_mute:30m, kick, ban, temp_ban:7d)",
				Flags: append(manualFlags(),
					&cli.StringFlag{Name: "action", Required: true},
				),
				Action: runApply,
			},
			{
				Name:  "policy",
				Usage: "inspect or override a guild's policy at runtime",
				Subcommands: []*cli.Command{
					{
						Name:  "show",
						Usage: "print the effective policy as JSON",
						Flags: []cli.Flag{
							&cli.Int64Flag{Name: "guild", Required: true},
						},
						Action: runPolicyShow,
					},
					{
						Name:  "set",
						Usage: "store an override from a guild policy file (same shape as moderation.guilds entries)",
						Flags: []cli.Flag{
							&cli.Int64Flag{Name: "guild", Required: true},
							&cli.StringFlag{Name: "file", Required: true, Usage: "yaml or json"},
						},
						Action: runPolicySet,
					},
				},
			},
			{
				Name:  "lift",
				Usage: "end a mute or ban early",
				Flags: append(manualFlags(),
					&cli.StringFlag{Name: "kind", Required: true, Usage: "mute or ban"},
				),
				Action: runLift,
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func manualFlags() []cli.Flag {
	return []cli.Flag{
		&cli.Int64Flag{Name: "guild", Required: true},
		&cli.Int64Flag{Name: "user", Required: true},
		&cli.Int64Flag{Name: "moderator", Required: true, Usage: "user ID recorded as the issuer"},
		&cli.StringFlag{Name: "reason"},
	}
}
