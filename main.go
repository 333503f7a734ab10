package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/BurntSushi/toml"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"imagery-mosaic/internal/common"
	"imagery-mosaic/internal/config"
	"imagery-mosaic/internal/geo"
	"imagery-mosaic/internal/logging"
)

// cli carries the persistent flags shared by every command
type cli struct {
	configPath string
	logLevel   string
	pretty     bool
}

func (c *cli) settings() (*config.Settings, error) {
	path := c.configPath
	if path == "" {
		path = config.GetSettingsPath()
	}
	return config.LoadSettings(path)
}

func (c *cli) logger(s *config.Settings) zerolog.Logger {
	level := s.Log.Level
	if c.logLevel != "" {
		level = c.logLevel
	}
	return logging.Init("mosaic", level, s.Log.Pretty || c.pretty)
}

// app loads settings and builds the App; callers must Shutdown it
func (c *cli) app() (*App, error) {
	s, err := c.settings()
	if err != nil {
		return nil, err
	}
	return NewApp(c.configPath, s, c.logger(s)), nil
}

func newRootCmd() *cobra.Command {
	c := &cli{}

	rootCmd := &cobra.Command{
		Use:   "mosaic",
		Short: "Build cloud-free Sentinel-2 mosaics over an area of interest",
		Long: `mosaic composites Sentinel-2 scenes from Earth Engine into a single UTM
GeoTIFF, resolving scene overlaps with precomputed tile footprints.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&c.configPath, "config", "", "settings file (default is the OS config directory)")
	rootCmd.PersistentFlags().StringVar(&c.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&c.pretty, "pretty", false, "human-readable console logs")

	rootCmd.AddCommand(newBuildCmd(c))
	rootCmd.AddCommand(newZoneCmd())
	rootCmd.AddCommand(newConfigCmd(c))
	rootCmd.AddCommand(newCacheCmd(c))
	rootCmd.AddCommand(newVersionCmd())

	return rootCmd
}

func newBuildCmd(c *cli) *cobra.Command {
	var req BuildRequest

	cmd := &cobra.Command{
		Use:   "build",
		Short: "Build a mosaic for an AOI and start date",
		Example: `  mosaic build --aoi field.geojson --start 2024-06-01
  mosaic build --aoi field.geojson --start 2024-06-01 --out field.tif --footprints s2_tiles.gpkg`,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			if !common.ValidateISO8601(req.Start) {
				return fmt.Errorf("--start must be a YYYY-MM-DD date, got %q", req.Start)
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := c.app()
			if err != nil {
				return err
			}
			defer app.Shutdown()

			report, err := app.Build(cmd.Context(), req)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s (%dx%d, EPSG:%d, %d scenes, %s)\n",
				report.OutputPath, report.Width, report.Height, report.EPSG, len(report.Scenes), report.Strategy)
			return nil
		},
	}

	cmd.Flags().StringVar(&req.AOIPath, "aoi", "", "GeoJSON file holding the area of interest polygon")
	cmd.Flags().StringVar(&req.Start, "start", "", "start of the catalog window (YYYY-MM-DD)")
	cmd.Flags().StringVarP(&req.OutputPath, "out", "o", "", "output GeoTIFF (default is a generated name in the output directory)")
	cmd.Flags().StringVar(&req.Footprints, "footprints", "", "Sentinel-2 tile footprint GeoPackage (overrides settings)")
	cmd.Flags().BoolVar(&req.NoCache, "no-cache", false, "bypass the on-disk patch cache")
	cmd.Flags().BoolVar(&req.NoReport, "no-report", false, "skip writing the JSON build report")
	_ = cmd.MarkFlagRequired("aoi")
	_ = cmd.MarkFlagRequired("start")

	return cmd
}

func newZoneCmd() *cobra.Command {
	var lat, lon float64

	cmd := &cobra.Command{
		Use:   "zone",
		Short: "Print the UTM zone and EPSG code for a location",
		RunE: func(cmd *cobra.Command, args []string) error {
			if lat < -80 || lat >= 84 || lon < -180 || lon > 180 {
				return fmt.Errorf("location outside UTM coverage: lat=%g lon=%g", lat, lon)
			}
			zone := geo.UTMZone(lat, lon)
			epsg := geo.UTMEPSG(zone, lat > 0)
			fmt.Fprintf(cmd.OutOrStdout(), "zone %d, %s\n", zone, geo.CRSCode(epsg))
			return nil
		},
	}
	cmd.Flags().Float64Var(&lat, "lat", 0, "latitude in degrees")
	cmd.Flags().Float64Var(&lon, "lon", 0, "longitude in degrees")
	_ = cmd.MarkFlagRequired("lat")
	_ = cmd.MarkFlagRequired("lon")

	return cmd
}

func newConfigCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the settings file",
	}

	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a settings file with default values",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := InitSettings(c.configPath, force)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing settings file")

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective settings",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := c.settings()
			if err != nil {
				return err
			}
			var buf bytes.Buffer
			if err := toml.NewEncoder(&buf).Encode(s); err != nil {
				return fmt.Errorf("failed to encode settings: %w", err)
			}
			_, err = cmd.OutOrStdout().Write(buf.Bytes())
			return err
		},
	}

	setCmd := &cobra.Command{
		Use:     "set <section.name> <value>",
		Short:   "Change one setting and save the settings file",
		Example: "  mosaic config set mosaic.workers 16\n  mosaic config set mosaic.footprints /data/s2_tiles.gpkg",
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := c.app()
			if err != nil {
				return err
			}
			defer app.Shutdown()

			if err := app.SetSetting(args[0], args[1]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s updated in %s\n", args[0], app.GetSettingsPath())
			return nil
		},
	}

	cmd.AddCommand(initCmd, showCmd, setCmd)
	return cmd
}

func newCacheCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect or clear the patch cache",
	}

	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Print patch cache statistics as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := c.app()
			if err != nil {
				return err
			}
			defer app.Shutdown()

			out := struct {
				Cache     CacheStats      `json:"cache"`
				RateLimit RateLimitStatus `json:"rateLimit"`
			}{app.GetCacheStats(), app.GetRateLimitStatus()}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}

	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Remove every cached patch",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := c.app()
			if err != nil {
				return err
			}
			defer app.Shutdown()
			return app.ClearCache()
		},
	}

	cmd.AddCommand(statsCmd, clearCmd)
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), AppVersion)
		},
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		stop()
		os.Exit(1)
	}
}
