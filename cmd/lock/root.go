package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/colock/colock/cmd/util"
	"github.com/colock/colock/lib/lease"
	"github.com/colock/colock/rpc/client"
)

var (
	lockClient client.ILockClient

	lockGroup    string
	leaseMinutes int
	override     bool
	unlockReason string
	sweepOlder   int
	sweepDryRun  bool

	// LockCommands represents the lock command group
	LockCommands = &cobra.Command{
		Use:               "lock",
		Short:             "Perform lock operations against a colock server",
		PersistentPreRunE: setupLockClient,
	}

	// acquireCmd represents the acquire command
	acquireCmd = &cobra.Command{
		Use:   "acquire [collection] [resource]",
		Short: "Acquire the editing lock for a resource",
		Args:  cobra.ExactArgs(2),
		RunE:  runAcquire,
	}

	// statusCmd represents the status command
	statusCmd = &cobra.Command{
		Use:   "status [collection] [resource]",
		Short: "Show who holds the lock on a resource",
		Args:  cobra.ExactArgs(2),
		RunE:  runStatus,
	}

	// extendCmd represents the extend command
	extendCmd = &cobra.Command{
		Use:   "extend [collection] [resource]",
		Short: "Extend a held lock by a fresh lease window",
		Args:  cobra.ExactArgs(2),
		RunE:  runExtend,
	}

	// transferCmd represents the transfer command
	transferCmd = &cobra.Command{
		Use:   "transfer [collection] [resource]",
		Short: "Take over your own lock from another tab",
		Args:  cobra.ExactArgs(2),
		RunE:  runTransfer,
	}

	// releaseCmd represents the release command
	releaseCmd = &cobra.Command{
		Use:   "release [collection] [resource]",
		Short: "Release a held lock",
		Args:  cobra.ExactArgs(2),
		RunE:  runRelease,
	}

	// forceUnlockCmd represents the force-unlock command
	forceUnlockCmd = &cobra.Command{
		Use:   "force-unlock [collection] [resource]",
		Short: "Administratively remove a lock regardless of its holder",
		Long:  "Remove a lock regardless of holder or expiry. Requires the admin token and a reason, which is recorded in the server's audit log.",
		Args:  cobra.ExactArgs(2),
		RunE:  runForceUnlock,
	}

	// cleanupCmd represents the cleanup command
	cleanupCmd = &cobra.Command{
		Use:   "cleanup [collection]",
		Short: "Remove long-expired locks server-side",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runCleanup,
	}
)

func init() {
	// Initialize viper
	cobra.OnInitialize(util.InitClientConfig)

	// Add subcommands to lock command
	LockCommands.AddCommand(acquireCmd)
	LockCommands.AddCommand(statusCmd)
	LockCommands.AddCommand(extendCmd)
	LockCommands.AddCommand(transferCmd)
	LockCommands.AddCommand(releaseCmd)
	LockCommands.AddCommand(forceUnlockCmd)
	LockCommands.AddCommand(cleanupCmd)

	// Add common RPC flags to the lock command
	util.SetupRPCClientFlags(LockCommands)

	// Lock addressing
	LockCommands.PersistentFlags().StringVar(&lockGroup, "lock-group", "", util.WrapString("Optional lock group for section-level locking within a resource"))

	// Operation specific flags
	acquireCmd.Flags().IntVar(&leaseMinutes, "minutes", 0, "Lease window in minutes (0 for the server default)")
	extendCmd.Flags().IntVar(&leaseMinutes, "minutes", 0, "Lease window in minutes (0 for the server default)")
	releaseCmd.Flags().BoolVar(&override, "override", false, "Release your own lock even if it is held by another of your tabs")
	forceUnlockCmd.Flags().StringVar(&unlockReason, "reason", "", "Reason recorded in the audit log")
	cleanupCmd.Flags().IntVar(&sweepOlder, "older-than", 5, "Only remove locks expired for at least this many minutes")
	cleanupCmd.Flags().BoolVar(&sweepDryRun, "dry-run", false, "Report removal candidates without deleting them")

	_ = forceUnlockCmd.MarkFlagRequired("reason")
}

// setupLockClient initializes the lock client
func setupLockClient(cmd *cobra.Command, _ []string) error {
	// Bind command flags to viper
	if err := util.BindCommandFlags(cmd); err != nil {
		return err
	}

	// Get serializer and client configuration
	s, err := util.GetSerializer()
	if err != nil {
		return err
	}
	config := util.GetClientConfig()

	// Create the lock client
	lockClient, err = client.NewLockClient(*config, s)
	return err
}

// opContext returns the bounded context used by every CLI operation
func opContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 30*time.Second)
}

// keyFromArgs assembles the resource key from positional args and flags
func keyFromArgs(args []string) lease.ResourceKey {
	return lease.ResourceKey{
		Collection: args[0],
		ResourceID: args[1],
		LockGroup:  lockGroup,
	}
}

// runAcquire handles the acquire command
func runAcquire(_ *cobra.Command, args []string) error {
	ctx, cancel := opContext()
	defer cancel()

	res, err := lockClient.Acquire(ctx, keyFromArgs(args), leaseMinutes)
	if err != nil {
		return fmt.Errorf("failed to acquire lock: %v", err)
	}

	if !res.OK {
		fmt.Printf("acquired=false reason=%s", res.Reason)
		if res.LockedBy != "" {
			fmt.Printf(" lockedBy=%s remaining=%ds", res.LockedBy, res.RemainingSeconds)
		}
		if res.AllowTransfer {
			fmt.Print(" (transfer available)")
		}
		fmt.Println()
		return nil
	}

	fmt.Printf("acquired=true expiresAt=%s version=%d\n",
		res.Lease.ExpiresAt.Format(time.RFC3339), res.Lease.Version)
	return nil
}

// runStatus handles the status command
func runStatus(_ *cobra.Command, args []string) error {
	ctx, cancel := opContext()
	defer cancel()

	res, err := lockClient.Status(ctx, keyFromArgs(args))
	if err != nil {
		return fmt.Errorf("failed to get lock status: %v", err)
	}

	fmt.Printf("state=%s", res.State)
	if res.Lease != nil {
		fmt.Printf(" holder=%s tab=%s remaining=%ds",
			res.Lease.HolderID, res.Lease.HolderTabID, res.RemainingSeconds)
	}
	fmt.Println()
	return nil
}

// runExtend handles the extend command
func runExtend(_ *cobra.Command, args []string) error {
	ctx, cancel := opContext()
	defer cancel()

	res, err := lockClient.Extend(ctx, keyFromArgs(args), leaseMinutes)
	if err != nil {
		return fmt.Errorf("failed to extend lock: %v", err)
	}

	if !res.OK {
		fmt.Printf("extended=false reason=%s\n", res.Reason)
		return nil
	}

	fmt.Printf("extended=true expiresAt=%s version=%d\n",
		res.Lease.ExpiresAt.Format(time.RFC3339), res.Lease.Version)
	return nil
}

// runTransfer handles the transfer command
func runTransfer(_ *cobra.Command, args []string) error {
	ctx, cancel := opContext()
	defer cancel()

	config := util.GetClientConfig()
	res, err := lockClient.Transfer(ctx, keyFromArgs(args), config.TabID)
	if err != nil {
		return fmt.Errorf("failed to transfer lock: %v", err)
	}

	if !res.OK {
		fmt.Printf("transferred=false reason=%s\n", res.Reason)
		return nil
	}

	fmt.Printf("transferred=true tab=%s expiresAt=%s\n",
		res.Lease.HolderTabID, res.Lease.ExpiresAt.Format(time.RFC3339))
	return nil
}

// runRelease handles the release command
func runRelease(_ *cobra.Command, args []string) error {
	ctx, cancel := opContext()
	defer cancel()

	res, err := lockClient.Release(ctx, keyFromArgs(args), override)
	if err != nil {
		return fmt.Errorf("failed to release lock: %v", err)
	}

	if !res.OK {
		fmt.Printf("released=false reason=%s\n", res.Reason)
		return nil
	}

	fmt.Println("released=true")
	return nil
}

// runForceUnlock handles the force-unlock command
func runForceUnlock(_ *cobra.Command, args []string) error {
	ctx, cancel := opContext()
	defer cancel()

	res, err := lockClient.ForceUnlock(ctx, keyFromArgs(args), unlockReason)
	if err != nil {
		return fmt.Errorf("failed to force unlock: %v", err)
	}

	fmt.Printf("unlocked=%v\n", res.OK)
	return nil
}

// runCleanup handles the cleanup command
func runCleanup(_ *cobra.Command, args []string) error {
	ctx, cancel := opContext()
	defer cancel()

	collection := ""
	if len(args) > 0 {
		collection = args[0]
	}

	res, err := lockClient.Sweep(ctx, collection, sweepOlder, sweepDryRun)
	if err != nil {
		return fmt.Errorf("failed to clean up locks: %v", err)
	}

	if res.DryRun {
		fmt.Printf("candidates=%d\n", len(res.Candidates))
		for _, key := range res.Candidates {
			fmt.Printf("  %s\n", key)
		}
		return nil
	}

	total := 0
	for coll, n := range res.Cleaned {
		fmt.Printf("  %s: %d\n", coll, n)
		total += n
	}
	fmt.Printf("cleaned=%d\n", total)
	return nil
}
