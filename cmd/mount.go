package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/404wolf/drivefs/common"
	"github.com/404wolf/drivefs/drive"
	"github.com/404wolf/drivefs/drivefs"
	"github.com/404wolf/drivefs/metrics"
)

var mountCmd = &cobra.Command{
	Use:   "mount <mountpoint>",
	Short: "Mount your drive to a directory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		v.Set("mount_point", args[0])
		config, err := common.LoadConfig(v, configFile)
		if err != nil {
			return err
		}
		// The config file may pick a different log setup than the flags.
		if err := setupLogging(config.Log.File, config.Log.Level, config.Log.Silent); err != nil {
			return err
		}
		common.Logger.Debugf("Loaded config %s", PrettyPrint(redacted(*config)))

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		var m *metrics.Metrics
		if config.MetricsAddress != "" {
			m = metrics.New()
			go func() {
				if err := m.Serve(ctx, config.MetricsAddress); err != nil {
					common.ReportError("Metrics server on %s stopped", err, config.MetricsAddress)
				}
			}()
		}

		client, err := drive.New(ctx, drive.NewConfig(config.DomainID, config.Workdir, config.API, config.Retry), config.RefreshToken)
		if err != nil {
			return fmt.Errorf("connecting to the drive: %w", err)
		}

		dispatcher := drivefs.New(config, drivefs.Remote{
			Metadata: client,
			Content:  client,
			Quota:    client,
		}, m)

		return drivefs.Mount(ctx, dispatcher, drivefs.MountOptions{
			MountPoint:  config.MountPoint,
			AllowOther:  config.AllowOther,
			AutoUnmount: config.AutoUnmount,
			Debug:       config.FuseDebug,
		}, func() {
			common.Logger.Infof("Mounted drive of %s at %s", client.NickName, config.MountPoint)
		})
	},
}

func MountInit() {
	flags := mountCmd.Flags()
	flags.String("refresh-token", "", "refresh token (also read from REFRESH_TOKEN)")
	flags.String("workdir", "", "directory where the rotated refresh token is stored")
	flags.String("domain-id", "", "aliyun pds domain id")
	flags.Bool("allow-other", false, "allow other users to access the mount")
	flags.Bool("auto-unmount", true, "automatically unmount directory on exit")
	flags.Bool("fuse-debug", false, "enable go fuse's debug mode")
	flags.String("read-buffer-size", common.ByteSize(common.DefaultReadBufferSize).String(), "read-ahead window per open file")
	flags.Duration("listing-ttl", common.DefaultConfig().ListingTTL, "how long directory listings are cached")
	flags.String("metrics-address", "", "serve prometheus metrics on this address")

	for key, flag := range map[string]string{
		"refresh_token":    "refresh-token",
		"workdir":          "workdir",
		"domain_id":        "domain-id",
		"allow_other":      "allow-other",
		"auto_unmount":     "auto-unmount",
		"fuse_debug":       "fuse-debug",
		"read_buffer_size": "read-buffer-size",
		"listing_ttl":      "listing-ttl",
		"metrics_address":  "metrics-address",
	} {
		v.BindPFlag(key, flags.Lookup(flag))
	}

	rootCmd.AddCommand(mountCmd)
}

// redacted hides the credentials of config for logging.
func redacted(config common.DriveFSConfig) common.DriveFSConfig {
	if config.RefreshToken != "" {
		config.RefreshToken = "<redacted>"
	}
	return config
}
