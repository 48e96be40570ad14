package main

import (
	"fmt"
	"strings"

	"github.com/franz/dive-atlas/internal/master"
	"github.com/franz/dive-atlas/internal/model"
	"github.com/franz/dive-atlas/internal/util"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var searchCmd = &cobra.Command{
	Use:   "search",
	Short: "Search the dive point and creature catalog",
	Long: `Search the installed snapshot by name. Exact matches come first, then
names starting with the text, then names containing it.

When no snapshot is usable the search is answered by a name-prefix query
against the remote document store.`,
}

var searchPointsCmd = &cobra.Command{
	Use:   "points <text>",
	Short: "Search dive points",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runSearchPoints,
}

var searchCreaturesCmd = &cobra.Command{
	Use:   "creatures <text>",
	Short: "Search creatures",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runSearchCreatures,
}

var pointCmd = &cobra.Command{
	Use:   "point <id>",
	Short: "Show a dive point and the creatures seen there",
	Args:  cobra.ExactArgs(1),
	RunE:  runPoint,
}

var creatureCmd = &cobra.Command{
	Use:   "creature <id>",
	Short: "Show a creature and the points where it is seen",
	Args:  cobra.ExactArgs(1),
	RunE:  runCreature,
}

func init() {
	rootCmd.AddCommand(searchCmd)
	rootCmd.AddCommand(pointCmd)
	rootCmd.AddCommand(creatureCmd)
	searchCmd.AddCommand(searchPointsCmd)
	searchCmd.AddCommand(searchCreaturesCmd)

	searchCmd.PersistentFlags().IntP("limit", "n", master.DefaultLimit, "maximum number of results")
	viper.BindPFlag("limit", searchCmd.PersistentFlags().Lookup("limit"))
}

func runSearchPoints(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	svc, err := newServices(ctx, loadSettings())
	if err != nil {
		return err
	}
	defer svc.Close()

	text := strings.Join(args, " ")
	points := svc.master.SearchPoints(ctx, text, GetConfigInt("limit", master.DefaultLimit))
	if len(points) == 0 {
		util.InfoLog("No points match %q", text)
		return nil
	}

	width := util.GetTerminalWidth()
	for _, p := range points {
		fmt.Println(util.Truncate(fmt.Sprintf("%-24s %-32s %s", p.ID, p.Name, location(p)), width))
	}
	return nil
}

func runSearchCreatures(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	svc, err := newServices(ctx, loadSettings())
	if err != nil {
		return err
	}
	defer svc.Close()

	text := strings.Join(args, " ")
	creatures := svc.master.SearchCreatures(ctx, text, GetConfigInt("limit", master.DefaultLimit))
	if len(creatures) == 0 {
		util.InfoLog("No creatures match %q", text)
		return nil
	}

	width := util.GetTerminalWidth()
	for _, c := range creatures {
		fmt.Println(util.Truncate(fmt.Sprintf("%-24s %-32s %s", c.ID, c.Name, c.ScientificName), width))
	}
	return nil
}

func runPoint(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	svc, err := newServices(ctx, loadSettings())
	if err != nil {
		return err
	}
	defer svc.Close()

	p := svc.master.GetPoint(ctx, args[0])
	if p == nil {
		return fmt.Errorf("point %s: %w", args[0], util.ErrNotFound)
	}

	fmt.Printf("%s (%s)\n", p.Name, p.ID)
	if loc := location(*p); loc != "" {
		fmt.Printf("  Location: %s\n", loc)
	}
	if p.Level != "" {
		fmt.Printf("  Level: %s\n", p.Level)
	}
	if p.MaxDepth != nil {
		fmt.Printf("  Max depth: %.1f m\n", *p.MaxDepth)
	}
	if p.ReviewCount > 0 {
		fmt.Printf("  Rating: %.1f (%d reviews)\n", p.RatingAvg, p.ReviewCount)
	}

	sightings := svc.master.CreaturesAtPoint(ctx, p.ID)
	if len(sightings) > 0 {
		fmt.Printf("  Creatures (%d):\n", len(sightings))
		for _, s := range sightings {
			rarity := s.LocalRarity
			if rarity == "" {
				rarity = s.Rarity
			}
			fmt.Printf("    %-32s %s\n", s.Name, rarity)
		}
	}
	return nil
}

func runCreature(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	svc, err := newServices(ctx, loadSettings())
	if err != nil {
		return err
	}
	defer svc.Close()

	c := svc.master.GetCreature(ctx, args[0])
	if c == nil {
		return fmt.Errorf("creature %s: %w", args[0], util.ErrNotFound)
	}

	fmt.Printf("%s (%s)\n", c.Name, c.ID)
	if c.ScientificName != "" {
		fmt.Printf("  Scientific name: %s\n", c.ScientificName)
	}
	if c.Category != "" {
		fmt.Printf("  Category: %s\n", c.Category)
	}
	if len(c.Season) > 0 {
		fmt.Printf("  Season: %s\n", strings.Join(c.Season, ", "))
	}

	points := svc.master.PointsForCreature(ctx, c.ID)
	if len(points) > 0 {
		fmt.Printf("  Seen at (%d):\n", len(points))
		for _, p := range points {
			fmt.Printf("    %-32s %s\n", p.Name, location(p))
		}
	}
	return nil
}

func location(p model.Point) string {
	var parts []string
	for _, s := range []string{p.Region, p.Zone, p.Area} {
		if s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, " / ")
}
