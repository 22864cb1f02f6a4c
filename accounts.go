package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/astar-development/astar-dev-onedrive-sync-client-sub002/internal/config"
	"github.com/astar-development/astar-dev-onedrive-sync-client-sub002/internal/graph"
)

func newAccountsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "accounts",
		Short: "List configured accounts",
		Long: `Display every account in the config file with its sync root and
transfer settings. Accounts are identified only by hashed ID; the plain
provider identifier never appears on disk or in output.`,
		RunE: func(_ *cobra.Command, _ []string) error {
			return runAccounts()
		},
	}
}

// accountInfo is one configured account, shaped for JSON output.
type accountInfo struct {
	Account           string `json:"account"`
	DisplayName       string `json:"display_name,omitempty"`
	SyncRoot          string `json:"sync_root"`
	ParallelTransfers int    `json:"parallel_transfers"`
	BandwidthLimit    string `json:"bandwidth_limit,omitempty"`
}

func runAccounts() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	accounts, err := cfg.ResolveAccounts()
	if err != nil {
		return err
	}

	infos := make([]accountInfo, 0, len(accounts))

	for _, acct := range accounts {
		infos = append(infos, accountInfo{
			Account:           acct.HashedID.Short(),
			DisplayName:       acct.DisplayName,
			SyncRoot:          acct.LocalSyncRoot,
			ParallelTransfers: acct.MaxParallelTransfers,
			BandwidthLimit:    acct.BandwidthLimit,
		})
	}

	if flagJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")

		return enc.Encode(infos)
	}

	if len(infos) == 0 {
		fmt.Printf("No accounts configured. Add an [[account]] entry to %s.\n", config.DefaultConfigPath())

		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ACCOUNT\tNAME\tSYNC ROOT\tPARALLEL\tBANDWIDTH")

	for _, info := range infos {
		bandwidth := info.BandwidthLimit
		if bandwidth == "" {
			bandwidth = "unlimited"
		}

		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
			info.Account, info.DisplayName, info.SyncRoot, info.ParallelTransfers, bandwidth)
	}

	return w.Flush()
}

func newLoginCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "login <account>",
		Short: "Authorize an account via the device code flow",
		Long: `Start the OAuth2 device code flow for a configured account.

A user code and verification URL are printed; open the URL in any
browser, enter the code, and approve access. The token is saved under
the data directory, named by the hashed account ID.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLogin(cmd, args[0])
		},
	}
}

func runLogin(cmd *cobra.Command, prefix string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger := buildLogger(cfg)

	acct, err := cfg.FindAccount(prefix)
	if err != nil {
		return err
	}

	tokenPath := config.TokenFilePath(cfg.DataDir, acct.HashedID)

	_, err = graph.Login(cmd.Context(), tokenPath, func(da graph.DeviceAuth) {
		fmt.Printf("To authorize %s, open %s and enter the code %s\n",
			acct.HashedID.Short(), da.VerificationURI, da.UserCode)
	}, logger)
	if err != nil {
		return err
	}

	statusf("Login successful for account %s.\n", acct.HashedID.Short())

	return nil
}
