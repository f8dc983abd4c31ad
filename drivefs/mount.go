package drivefs

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/404wolf/drivefs/common"
)

type MountOptions struct {
	MountPoint  string
	AllowOther  bool
	AutoUnmount bool
	Debug       bool
}

func mountOptions(options MountOptions) *fuse.MountOptions {
	return &fuse.MountOptions{
		AllowOther: options.AllowOther,
		Name:       "drivefs",
		FsName:     "drivefs",
		Debug:      options.Debug,
		Options:    []string{"ro", "noatime"},
	}
}

// Mount serves the dispatcher at options.MountPoint and blocks until the
// filesystem is unmounted or ctx is done. ready, when non-nil, runs once
// the kernel accepted the mount.
func Mount(ctx context.Context, dispatcher *Dispatcher, options MountOptions, ready func()) error {
	common.Logger.Infow("mounting drivefs", "mount_point", options.MountPoint)

	if err := dispatcher.LoadQuota(ctx); err != nil {
		common.Logger.Warnw("could not load drive quota", "error", err)
	}

	server, err := fuse.NewServer(dispatcher, options.MountPoint, mountOptions(options))
	if err != nil {
		common.ReportError("Mount failed", err)
		return err
	}
	go server.Serve()
	if err := server.WaitMount(); err != nil {
		common.ReportError("Waiting for mount failed", err)
		return err
	}
	common.Logger.Infow("drivefs mounted", "mount_point", options.MountPoint)
	if ready != nil {
		ready()
	}

	stop := make(chan struct{})
	defer close(stop)

	if options.AutoUnmount {
		signalChan := make(chan os.Signal, 1)
		signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(signalChan)

		go func() {
			select {
			case sig := <-signalChan:
				common.Logger.Infow("received signal, unmounting", "signal", sig.String())
			case <-ctx.Done():
				common.Logger.Infow("context done, unmounting")
			case <-stop:
				return
			}
			if err := server.Unmount(); err != nil {
				common.Logger.Errorw("error unmounting", "error", err)
			}
		}()
		common.Logger.Infow("unmount with Ctrl-C or 'umount'", "mount_point", options.MountPoint)
	} else {
		go func() {
			select {
			case <-ctx.Done():
				if err := server.Unmount(); err != nil {
					common.Logger.Errorw("error unmounting", "error", err)
				}
			case <-stop:
			}
		}()
	}

	server.Wait()
	common.Logger.Infow("drivefs unmounted", "mount_point", options.MountPoint)
	return nil
}
