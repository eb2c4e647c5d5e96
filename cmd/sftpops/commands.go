package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/cheggaaa/pb"
	"github.com/spf13/cobra"

	"github.com/darshan-rambhia/sftpops"
)

var lsCmd = &cobra.Command{
	Use:   "ls [path]",
	Short: "List a remote directory",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		ops, err := connect(ctx, nil)
		if err != nil {
			return err
		}
		defer ops.Disconnect()

		path := ""
		if len(args) > 0 {
			path = args[0]
		}
		files, err := ops.ListFiles(ctx, path)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		for _, f := range files {
			name := f.Name
			if f.IsDirectory {
				name += "/"
			}
			fmt.Fprintf(w, "%s\t%d\t%s\t%s\n", f.Mode, f.Size, f.ModTime.Format("2006-01-02 15:04"), name)
		}
		return w.Flush()
	},
}

var pwdCmd = &cobra.Command{
	Use:   "pwd",
	Short: "Print the remote working directory",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		ops, err := connect(ctx, nil)
		if err != nil {
			return err
		}
		defer ops.Disconnect()

		dir, err := ops.CurrentDirectory(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), dir)
		return nil
	},
}

var mkdirCmd = &cobra.Command{
	Use:   "mkdir <path>",
	Short: "Create a remote directory and its parents",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		ops, err := connect(ctx, nil)
		if err != nil {
			return err
		}
		defer ops.Disconnect()

		absolute, _ := cmd.Flags().GetBool("absolute")
		built, err := ops.BuildDirectory(ctx, args[0], absolute)
		if err != nil {
			return err
		}
		if !built {
			return fmt.Errorf("could not create %s", args[0])
		}
		return nil
	},
}

var rmCmd = &cobra.Command{
	Use:   "rm <path>...",
	Short: "Delete remote files",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		ops, err := connect(ctx, nil)
		if err != nil {
			return err
		}
		defer ops.Disconnect()

		for _, name := range args {
			if err := ops.DeleteFile(ctx, name); err != nil {
				return err
			}
			logger.Info("deleted", "path", name)
		}
		return nil
	},
}

var mvCmd = &cobra.Command{
	Use:   "mv <from> <to>",
	Short: "Rename a remote file",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		ops, err := connect(ctx, nil)
		if err != nil {
			return err
		}
		defer ops.Disconnect()

		return ops.RenameFile(ctx, args[0], args[1])
	},
}

var getCmd = &cobra.Command{
	Use:   "get <remote> [local]",
	Short: "Download a remote file",
	Long: `Download a remote file. With options.local_work_directory configured the
file is materialized there through a .inprogress file; otherwise it is
streamed to [local] (default: the remote base name).`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		remote := args[0]

		ops, err := connect(ctx, func(o *sftpops.Options) {
			if o.LocalWorkDirectory == "" {
				o.StreamDownload = true
			}
		})
		if err != nil {
			return err
		}
		defer ops.Disconnect()

		var size int64
		if files, err := ops.ListFiles(ctx, remote); err == nil && len(files) == 1 {
			size = files[0].Size
		}

		download, err := ops.RetrieveFile(ctx, remote)
		if err != nil {
			return err
		}
		defer ops.ReleaseRetrievedFileResources(download)

		if download.LocalPath != "" {
			fmt.Fprintln(cmd.OutOrStdout(), download.LocalPath)
			return nil
		}

		local := sftpops.StripPath(remote)
		if len(args) > 1 {
			local = args[1]
		}
		out, err := os.Create(local)
		if err != nil {
			return err
		}
		defer out.Close()

		var body io.Reader = download.Body
		if quiet, _ := cmd.Flags().GetBool("quiet"); !quiet {
			bar := pb.New64(size).SetUnits(pb.U_BYTES)
			bar.Output = cmd.ErrOrStderr()
			bar.Prefix(fmt.Sprintf("Downloading '%s' to '%s'...", remote, local))
			bar.Start()
			defer bar.Finish()
			body = bar.NewProxyReader(body)
		}

		if _, err := io.Copy(out, body); err != nil {
			return fmt.Errorf("failed to download %s: %w", remote, err)
		}
		return out.Close()
	},
}

var putCmd = &cobra.Command{
	Use:   "put <local> [remote]",
	Short: "Upload a local file",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		local := args[0]
		remote := filepath.Base(local)
		if len(args) > 1 {
			remote = args[1]
		}

		fileExist, _ := cmd.Flags().GetString("file-exist")
		moveExisting, _ := cmd.Flags().GetString("move-existing")
		chmod, _ := cmd.Flags().GetString("chmod")

		ops, err := connect(ctx, func(o *sftpops.Options) {
			if fileExist != "" {
				o.FileExist = sftpops.FileExist(fileExist)
			}
			if moveExisting != "" {
				o.MoveExisting = moveExisting
			}
			if chmod != "" {
				o.Chmod = chmod
			}
		})
		if err != nil {
			return err
		}
		defer ops.Disconnect()

		f, err := os.Open(local)
		if err != nil {
			return err
		}
		defer f.Close()

		var src io.Reader = f
		if quiet, _ := cmd.Flags().GetBool("quiet"); !quiet {
			info, err := f.Stat()
			if err != nil {
				return err
			}
			bar := pb.New64(info.Size()).SetUnits(pb.U_BYTES)
			bar.Output = cmd.ErrOrStderr()
			bar.Prefix(fmt.Sprintf("Uploading '%s' to '%s'...", local, remote))
			bar.Start()
			defer bar.Finish()
			src = bar.NewProxyReader(src)
		}

		written, err := ops.StoreFile(ctx, remote, src)
		if err != nil {
			return err
		}
		if !written {
			logger.Info("target exists, upload skipped", "path", remote)
		}
		return nil
	},
}

var syncCmd = &cobra.Command{
	Use:   "sync <local> <remote>",
	Short: "Upload a local file or directory tree in parallel",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		local, remote := args[0], args[1]

		parallel, _ := cmd.Flags().GetInt("parallel")
		exclude, _ := cmd.Flags().GetStringSlice("exclude")
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		retries, _ := cmd.Flags().GetInt("retries")

		opts := cfg.Options
		opts.Logger = logger
		retry := sftpops.DefaultRetryConfig()
		retry.MaxRetries = retries
		retry.Logger = logger

		syncer, err := sftpops.NewSyncer(cfg.Endpoint, opts,
			sftpops.WithRetryConfig(retry),
			sftpops.WithOperationOptions(sftpops.WithLogger(logger)))
		if err != nil {
			return err
		}
		defer syncer.Close()

		syncOpts := &sftpops.SyncOptions{
			ExcludePatterns: exclude,
			Parallelism:     parallel,
			DryRun:          dryRun,
		}

		info, err := os.Stat(local)
		if err != nil {
			return err
		}
		if !info.IsDir() {
			result, err := syncer.SyncFile(ctx, local, remote, syncOpts)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s -> %s (%d bytes, written=%t)\n",
				result.LocalPath, result.RemotePath, result.Size, result.Changed)
			return nil
		}

		result, err := syncer.SyncDirectory(ctx, local, remote, syncOpts)
		if err != nil {
			return err
		}
		for _, f := range result.Files {
			if f.Error != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "%s: %v\n", f.RemotePath, f.Error)
			}
		}
		fmt.Fprintf(cmd.OutOrStdout(), "uploaded %d, skipped %d, failed %d (%d bytes)\n",
			result.Uploaded, result.Skipped, result.Errors, result.TotalSize)
		if result.Errors > 0 {
			return fmt.Errorf("%d files failed", result.Errors)
		}
		return nil
	},
}

func init() {
	mkdirCmd.Flags().Bool("absolute", false, "treat the path as absolute")

	getCmd.Flags().BoolP("quiet", "q", false, "no progress bar")

	putCmd.Flags().BoolP("quiet", "q", false, "no progress bar")
	putCmd.Flags().String("file-exist", "", "Override, Append, Fail, Ignore or Move")
	putCmd.Flags().String("move-existing", "", "destination template for --file-exist=Move")
	putCmd.Flags().String("chmod", "", "octal mode applied after upload")

	syncCmd.Flags().Int("parallel", 4, "concurrent uploads")
	syncCmd.Flags().StringSlice("exclude", nil, "glob patterns to skip")
	syncCmd.Flags().Bool("dry-run", false, "only report what would be uploaded")
	syncCmd.Flags().Int("retries", 3, "retries per file on transient failures")

	rootCmd.AddCommand(lsCmd, pwdCmd, mkdirCmd, rmCmd, mvCmd, getCmd, putCmd, syncCmd)
}
