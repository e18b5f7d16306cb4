package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v2"

	"modguard/internal/app"
	"modguard/internal/config"
	"modguard/internal/moderation"
	logx "modguard/pkg/logx"
)

func runCheckConfig(cctx *cli.Context) error {
	path := cctx.String("config")
	m := config.NewManager(path)
	cfg, err := m.Load()
	if err != nil {
		return err
	}
	warnings, err := app.ValidateConfig(cfg)
	for _, w := range warnings {
		fmt.Fprintln(os.Stderr, "warning:", w)
	}
	if err != nil {
		return err
	}
	fmt.Printf("%s: ok (%d guild overrides)\n", path, len(cfg.Moderation.Guilds))
	return nil
}

func runSanctions(cctx *cli.Context) error {
	var kind moderation.SanctionKind
	if raw := cctx.String("kind"); raw != "" {
		k, err := moderation.ParseSanctionKind(raw)
		if err != nil {
			return err
		}
		kind = k
	}

	cfg, err := config.NewManager(cctx.String("config")).Load()
	if err != nil {
		return err
	}
	store, err := app.OpenStorage(cfg, logx.Nop())
	if err != nil {
		return err
	}
	defer store.Close()

	ss := moderation.NewSanctionStore(store)
	if _, err := ss.Load(cctx.Context); err != nil {
		return err
	}

	guild := cctx.Int64("guild")
	now := time.Now()
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "GUILD\tUSER\tKIND\tEXPIRES\tREMAINING\tREASON")
	for _, sn := range ss.Snapshot(kind) {
		if guild != 0 && sn.GuildID != guild {
			continue
		}
		left := "due"
		if !sn.Expired(now) {
			left = sn.Expiry().Sub(now).Round(time.Second).String()
		}
		fmt.Fprintf(w, "%d\t%d\t%s\t%s\t%s\t%s\n",
			sn.GuildID, sn.UserID, sn.Kind, sn.Expiry().Format(time.RFC3339), left, sn.Reason)
	}
	return w.Flush()
}

func runInfractions(cctx *cli.Context) error {
	cfg, err := config.NewManager(cctx.String("config")).Load()
	if err != nil {
		return err
	}
	store, err := app.OpenStorage(cfg, logx.Nop())
	if err != nil {
		return err
	}
	defer store.Close()

	ledger := moderation.NewLedger(store)
	list, err := ledger.Recent(cctx.Context, cctx.Int64("guild"), cctx.Int64("user"), cctx.Int("limit"))
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tWHEN\tACTION\tCATEGORY\tBY\tREASON")
	for _, in := range list {
		by := "auto"
		if !in.Automated() {
			by = fmt.Sprint(*in.ModeratorID)
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\n",
			in.ID, in.CreatedAt.Format(time.RFC3339), in.Action, in.Category, by, in.Reason)
	}
	return w.Flush()
}
