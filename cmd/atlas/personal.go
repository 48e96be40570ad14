package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/franz/dive-atlas/internal/model"
	"github.com/franz/dive-atlas/internal/util"
	"github.com/spf13/cobra"
)

var logCmd = &cobra.Command{
	Use:   "log",
	Short: "Record and list dives",
}

var logAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Record a dive",
	RunE:  runLogAdd,
}

var logListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recorded dives, newest first",
	RunE:  runLogList,
}

var logDeleteCmd = &cobra.Command{
	Use:   "delete <log-id>",
	Short: "Delete a recorded dive",
	Args:  cobra.ExactArgs(1),
	RunE:  runLogDelete,
}

var reviewCmd = &cobra.Command{
	Use:   "review <point-id> <rating>",
	Short: "Rate a dive point from 1 to 5",
	Args:  cobra.ExactArgs(2),
	RunE:  runReview,
}

var proposeCmd = &cobra.Command{
	Use:   "propose <point|creature|point_creature> <target-id>",
	Short: "Propose a new or changed catalog entry for moderation",
	Long: `Store a proposal locally and submit it for moderation. The proposal is
removed automatically once its target appears in an installed snapshot.`,
	Args: cobra.ExactArgs(2),
	RunE: runPropose,
}

var proposalsCmd = &cobra.Command{
	Use:   "proposals",
	Short: "List your proposals",
	RunE:  runProposals,
}

var bookmarkCmd = &cobra.Command{
	Use:   "bookmark [point-id]",
	Short: "Bookmark a dive point, or list bookmarks without arguments",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runBookmark,
}

var favoriteCmd = &cobra.Command{
	Use:   "favorite [creature-id]",
	Short: "Mark a creature as favorite, or list favorites without arguments",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runFavorite,
}

var profileCmd = &cobra.Command{
	Use:   "profile",
	Short: "Show or update your profile and dive statistics",
	RunE:  runProfile,
}

func init() {
	rootCmd.AddCommand(logCmd)
	logCmd.AddCommand(logAddCmd)
	logCmd.AddCommand(logListCmd)
	logCmd.AddCommand(logDeleteCmd)
	rootCmd.AddCommand(reviewCmd)
	rootCmd.AddCommand(proposeCmd)
	rootCmd.AddCommand(proposalsCmd)
	rootCmd.AddCommand(bookmarkCmd)
	rootCmd.AddCommand(favoriteCmd)
	rootCmd.AddCommand(profileCmd)

	logAddCmd.Flags().String("date", "", "dive date as YYYY-MM-DD (default today)")
	logAddCmd.Flags().String("point", "", "dive point id")
	logAddCmd.Flags().String("creature", "", "main creature sighted")
	logAddCmd.Flags().StringSlice("sighting", nil, "other creatures sighted (repeatable)")
	logAddCmd.Flags().Float64("depth", 0, "maximum depth in meters")
	logAddCmd.Flags().Float64("minutes", 0, "dive time in minutes")
	logAddCmd.Flags().String("buddy", "", "dive buddy")
	logAddCmd.Flags().String("notes", "", "free-form notes")

	logListCmd.Flags().String("point", "", "only dives at this point")
	logListCmd.Flags().String("creature", "", "only dives with this main sighting")
	logListCmd.Flags().String("from", "", "first date, inclusive")
	logListCmd.Flags().String("to", "", "last date, inclusive")
	logListCmd.Flags().IntP("limit", "n", 0, "maximum number of dives (0 = all)")

	reviewCmd.Flags().String("comment", "", "review text")
	reviewCmd.Flags().String("visited", "", "visit date as YYYY-MM-DD")

	proposeCmd.Flags().String("payload", "", "JSON object with the proposed fields")

	proposalsCmd.Flags().String("status", "", "only proposals with this status (pending, approved, rejected)")

	bookmarkCmd.Flags().Bool("remove", false, "remove the bookmark instead")
	favoriteCmd.Flags().Bool("remove", false, "remove the favorite instead")

	profileCmd.Flags().String("name", "", "set the display name")
	profileCmd.Flags().String("home-region", "", "set the home region")
}

// withPersonal runs fn with the signed-in user's database open
func withPersonal(cmd *cobra.Command, fn func(ctx context.Context, svc *services) error) error {
	ctx := cmd.Context()
	svc, err := newServices(ctx, loadSettings())
	if err != nil {
		return err
	}
	defer svc.Close()

	if _, err := svc.signIn(ctx); err != nil {
		return err
	}
	return fn(ctx, svc)
}

func optFloat(cmd *cobra.Command, name string) *float64 {
	if !cmd.Flags().Changed(name) {
		return nil
	}
	v, _ := cmd.Flags().GetFloat64(name)
	return &v
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func runLogAdd(cmd *cobra.Command, args []string) error {
	l := model.DiveLog{
		MaxDepth: optFloat(cmd, "depth"),
		Duration: optFloat(cmd, "minutes"),
	}
	l.Date, _ = cmd.Flags().GetString("date")
	l.PointID, _ = cmd.Flags().GetString("point")
	l.CreatureID, _ = cmd.Flags().GetString("creature")
	l.Sightings, _ = cmd.Flags().GetStringSlice("sighting")
	l.Buddy, _ = cmd.Flags().GetString("buddy")
	l.Notes, _ = cmd.Flags().GetString("notes")

	return withPersonal(cmd, func(ctx context.Context, svc *services) error {
		if l.PointID != "" {
			if p := svc.master.GetPoint(ctx, l.PointID); p != nil {
				l.PointName = p.Name
			} else {
				util.WarnLog("Point %s is not in the catalog", l.PointID)
			}
		}

		saved, err := svc.personal.SaveLog(ctx, l)
		if err != nil {
			return err
		}
		if _, err := svc.personal.RefreshStats(ctx); err != nil {
			util.DebugLog("Stats not refreshed: %v", err)
		}
		util.SuccessLog("Logged dive %s on %s", saved.ID, saved.Date)
		return nil
	})
}

func runLogList(cmd *cobra.Command, args []string) error {
	var filter model.LogFilter
	filter.PointID, _ = cmd.Flags().GetString("point")
	filter.CreatureID, _ = cmd.Flags().GetString("creature")
	filter.From, _ = cmd.Flags().GetString("from")
	filter.To, _ = cmd.Flags().GetString("to")
	filter.Limit, _ = cmd.Flags().GetInt("limit")

	return withPersonal(cmd, func(ctx context.Context, svc *services) error {
		logs, err := svc.personal.ListLogs(ctx, filter)
		if err != nil {
			return err
		}
		if len(logs) == 0 {
			util.InfoLog("No dives logged")
			return nil
		}

		width := util.GetTerminalWidth()
		for _, l := range logs {
			depth := "-"
			if l.MaxDepth != nil {
				depth = fmt.Sprintf("%.1fm", *l.MaxDepth)
			}
			point := l.PointName
			if point == "" {
				point = l.PointID
			}
			fmt.Println(util.Truncate(fmt.Sprintf("%s  %-10s %-7s %-28s %s", shortID(l.ID), l.Date, depth, point, l.Notes), width))
		}
		return nil
	})
}

func runLogDelete(cmd *cobra.Command, args []string) error {
	return withPersonal(cmd, func(ctx context.Context, svc *services) error {
		if _, err := svc.personal.GetLog(ctx, args[0]); err != nil {
			return err
		}
		if err := svc.personal.DeleteLog(ctx, args[0]); err != nil {
			return err
		}
		if _, err := svc.personal.RefreshStats(ctx); err != nil {
			util.DebugLog("Stats not refreshed: %v", err)
		}
		util.SuccessLog("Deleted dive %s", args[0])
		return nil
	})
}

func runReview(cmd *cobra.Command, args []string) error {
	var rating int
	if _, err := fmt.Sscanf(args[1], "%d", &rating); err != nil {
		return fmt.Errorf("%w: rating must be a number from 1 to 5", util.ErrInvalidInput)
	}
	rv := model.Review{PointID: args[0], Rating: rating}
	rv.Comment, _ = cmd.Flags().GetString("comment")
	rv.VisitedAt, _ = cmd.Flags().GetString("visited")

	return withPersonal(cmd, func(ctx context.Context, svc *services) error {
		if svc.master.GetPoint(ctx, rv.PointID) == nil {
			return fmt.Errorf("point %s: %w", rv.PointID, util.ErrNotFound)
		}
		saved, err := svc.personal.SaveReview(ctx, rv)
		if err != nil {
			return err
		}
		util.SuccessLog("Rated %s with %d", saved.PointID, saved.Rating)
		return nil
	})
}

func runPropose(cmd *cobra.Command, args []string) error {
	p := model.Proposal{Type: model.ProposalType(args[0]), TargetID: args[1]}
	if payload, _ := cmd.Flags().GetString("payload"); payload != "" {
		if !json.Valid([]byte(payload)) {
			return fmt.Errorf("%w: --payload is not valid JSON", util.ErrInvalidInput)
		}
		p.Payload = json.RawMessage(payload)
	}

	return withPersonal(cmd, func(ctx context.Context, svc *services) error {
		saved, err := svc.personal.SubmitProposal(ctx, p)
		if err != nil {
			return err
		}
		util.SuccessLog("Submitted %s proposal %s for %s", saved.Type, saved.ID, saved.TargetID)
		return nil
	})
}

func runProposals(cmd *cobra.Command, args []string) error {
	status, _ := cmd.Flags().GetString("status")

	return withPersonal(cmd, func(ctx context.Context, svc *services) error {
		proposals, err := svc.personal.ListProposals(ctx, model.ProposalStatus(status))
		if err != nil {
			return err
		}
		if len(proposals) == 0 {
			util.InfoLog("No proposals")
			return nil
		}
		for _, p := range proposals {
			fmt.Printf("%s  %-14s %-24s %-8s %s\n", shortID(p.ID), p.Type, p.TargetID, p.Status, p.CreatedAt.Local().Format("2006-01-02"))
		}
		return nil
	})
}

func runBookmark(cmd *cobra.Command, args []string) error {
	remove, _ := cmd.Flags().GetBool("remove")

	return withPersonal(cmd, func(ctx context.Context, svc *services) error {
		if len(args) == 0 {
			bookmarks, err := svc.personal.ListBookmarks(ctx)
			if err != nil {
				return err
			}
			for _, b := range bookmarks {
				name := b.PointID
				if p := svc.master.GetPoint(ctx, b.PointID); p != nil {
					name = p.Name
				}
				fmt.Printf("%-24s %s\n", b.PointID, name)
			}
			return nil
		}

		if remove {
			if err := svc.personal.RemoveBookmark(ctx, args[0]); err != nil {
				return err
			}
			util.SuccessLog("Removed bookmark %s", args[0])
			return nil
		}
		if err := svc.personal.AddBookmark(ctx, args[0]); err != nil {
			return err
		}
		util.SuccessLog("Bookmarked %s", args[0])
		return nil
	})
}

func runFavorite(cmd *cobra.Command, args []string) error {
	remove, _ := cmd.Flags().GetBool("remove")

	return withPersonal(cmd, func(ctx context.Context, svc *services) error {
		if len(args) == 0 {
			favorites, err := svc.personal.ListFavorites(ctx)
			if err != nil {
				return err
			}
			for _, f := range favorites {
				name := f.CreatureID
				if c := svc.master.GetCreature(ctx, f.CreatureID); c != nil {
					name = c.Name
				}
				fmt.Printf("%-24s %s\n", f.CreatureID, name)
			}
			return nil
		}

		if remove {
			if err := svc.personal.RemoveFavorite(ctx, args[0]); err != nil {
				return err
			}
			util.SuccessLog("Removed favorite %s", args[0])
			return nil
		}
		if err := svc.personal.AddFavorite(ctx, args[0]); err != nil {
			return err
		}
		util.SuccessLog("Added favorite %s", args[0])
		return nil
	})
}

func runProfile(cmd *cobra.Command, args []string) error {
	return withPersonal(cmd, func(ctx context.Context, svc *services) error {
		profile, err := svc.personal.Profile(ctx)
		if err != nil {
			return err
		}
		if profile == nil {
			profile = &model.Profile{}
		}

		if cmd.Flags().Changed("name") || cmd.Flags().Changed("home-region") {
			if cmd.Flags().Changed("name") {
				profile.DisplayName, _ = cmd.Flags().GetString("name")
			}
			if cmd.Flags().Changed("home-region") {
				profile.HomeRegion, _ = cmd.Flags().GetString("home-region")
			}
			updated, err := svc.personal.UpdateProfile(ctx, *profile)
			if err != nil {
				return err
			}
			profile = &updated
			util.SuccessLog("Profile updated")
		}

		stats, err := svc.personal.Stats(ctx)
		if err != nil {
			return err
		}

		fmt.Printf("User: %s\n", svc.personal.Principal())
		if profile.DisplayName != "" {
			fmt.Printf("  Name: %s\n", profile.DisplayName)
		}
		if profile.HomeRegion != "" {
			fmt.Printf("  Home region: %s\n", profile.HomeRegion)
		}
		fmt.Printf("  Dives: %d at %d points\n", stats.LogCount, stats.PointCount)
		fmt.Printf("  Creatures seen: %d\n", stats.CreatureCount)
		if stats.MaxDepth > 0 {
			fmt.Printf("  Deepest dive: %.1f m\n", stats.MaxDepth)
		}
		if stats.LastDiveDate != "" {
			fmt.Printf("  Last dive: %s\n", stats.LastDiveDate)
		}
		if pending, err := svc.personal.Outbox(ctx); err == nil && len(pending) > 0 {
			fmt.Printf("  Unsynced writes: %d\n", len(pending))
		}
		return nil
	})
}
