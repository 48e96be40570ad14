package main

import (
	"fmt"

	"github.com/franz/dive-atlas/internal/util"
	"github.com/spf13/cobra"
)

var loginCmd = &cobra.Command{
	Use:   "login <user-id>",
	Short: "Sign in and make a user's personal database the active one",
	Long: `Open the personal database of <user-id>, creating it if needed.

On the first login on this device the user's logs, reviews, bookmarks and
favorites are pulled from the remote document store. Personal databases of
other users on this device are deleted.`,
	Args: cobra.ExactArgs(1),
	RunE: runLogin,
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Sign out, keeping the personal database on disk",
	RunE:  runLogout,
}

var deleteAccountCmd = &cobra.Command{
	Use:   "delete-account",
	Short: "Delete the signed-in user's local data and sign out",
	Long: `Delete every row of the signed-in user's personal database, remove the
database file and sign out. Data already mirrored to the remote document
store is not touched.`,
	RunE: runDeleteAccount,
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Replay mirror writes that failed earlier",
	RunE:  runSync,
}

func init() {
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(logoutCmd)
	rootCmd.AddCommand(deleteAccountCmd)
	rootCmd.AddCommand(syncCmd)

	deleteAccountCmd.Flags().Bool("yes", false, "do not ask for confirmation")
}

func runLogin(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cfg := loadSettings()
	cfg.Principal = args[0]

	svc, err := newServices(ctx, cfg)
	if err != nil {
		return err
	}
	defer svc.Close()

	principal, err := svc.signIn(ctx)
	if err != nil {
		return fmt.Errorf("login failed: %w", err)
	}
	if err := svc.kv.Set(activePrincipalKey, principal); err != nil {
		util.WarnLog("Failed to remember login: %v", err)
	}

	if svc.docs != nil {
		result, err := svc.personal.InitialSync(ctx)
		switch {
		case err != nil:
			// Local data stays usable; the next login retries
			util.WarnLog("Initial sync failed: %v", err)
		case result.Skipped:
			util.DebugLog("Initial sync already done for %s", principal)
		default:
			util.InfoLog("Pulled %d records from the remote store", result.Total())
		}
	}

	removed, err := svc.personal.CleanupOtherPrincipals(ctx, principal)
	if err != nil {
		util.WarnLog("Failed to remove other users' databases: %v", err)
	} else if removed > 0 {
		util.InfoLog("Removed %d personal databases of other users", removed)
	}

	version, _ := svc.installer.Version()
	if _, err := svc.reconcile.Run(ctx, version); err != nil {
		util.WarnLog("Proposal reconciliation failed: %v", err)
	}

	util.SuccessLog("Signed in as %s", principal)
	return nil
}

func runLogout(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	svc, err := newServices(ctx, loadSettings())
	if err != nil {
		return err
	}
	defer svc.Close()

	principal, _ := svc.kv.Get(activePrincipalKey)
	if principal == "" {
		util.InfoLog("Not signed in")
		return nil
	}

	if err := svc.personal.Logout(); err != nil {
		return err
	}
	if err := svc.kv.Delete(activePrincipalKey); err != nil {
		return fmt.Errorf("failed to forget login: %w", err)
	}
	util.SuccessLog("Signed out %s", principal)
	return nil
}

func runDeleteAccount(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	yes, _ := cmd.Flags().GetBool("yes")

	svc, err := newServices(ctx, loadSettings())
	if err != nil {
		return err
	}
	defer svc.Close()

	principal, err := svc.signIn(ctx)
	if err != nil {
		return err
	}
	if !yes {
		return fmt.Errorf("this deletes all local data of %s; rerun with --yes to confirm", principal)
	}

	if err := svc.personal.Clear(ctx, principal); err != nil {
		return fmt.Errorf("failed to clear personal data: %w", err)
	}
	if err := svc.personal.Logout(); err != nil {
		return err
	}
	if err := util.RemoveWithSidecars(svc.exec.FS(), svc.personal.PathFor(principal)); err != nil {
		util.WarnLog("Failed to remove %s: %v", svc.personal.PathFor(principal), err)
	}
	if err := svc.kv.Delete(activePrincipalKey); err != nil {
		util.WarnLog("Failed to forget login: %v", err)
	}

	util.SuccessLog("Deleted local data of %s", principal)
	return nil
}

func runSync(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	svc, err := newServices(ctx, loadSettings())
	if err != nil {
		return err
	}
	defer svc.Close()

	if svc.docs == nil {
		return fmt.Errorf("%w: --docs-url is required to sync", util.ErrInvalidConfig)
	}
	if _, err := svc.signIn(ctx); err != nil {
		return err
	}
	// Open starts a replay in the background
	svc.personal.WaitMirrors()

	sent, err := svc.personal.FlushOutbox(ctx)
	if err != nil {
		return fmt.Errorf("outbox replay failed: %w", err)
	}
	pending, err := svc.personal.Outbox(ctx)
	if err != nil {
		return err
	}
	if len(pending) > 0 {
		util.WarnLog("Replayed %d writes, %d still pending", sent, len(pending))
		return nil
	}
	util.SuccessLog("All writes mirrored")
	return nil
}
