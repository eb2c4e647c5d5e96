package sftpops

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// SyncOptions configures sync behavior.
type SyncOptions struct {
	// ExcludePatterns is a list of glob patterns to exclude from sync.
	// Example: []string{"*.tmp", ".git", "node_modules"}
	ExcludePatterns []string

	// SymlinkPolicy specifies how to handle symlinks: "follow" or "skip".
	// Default is "follow".
	SymlinkPolicy string

	// Parallelism is the number of concurrent uploads for directory sync,
	// each on its own connection. Default is 4.
	Parallelism int

	// DryRun only reports what would be synced without making changes.
	DryRun bool

	// SkipMkdir assumes remote directories already exist.
	SkipMkdir bool
}

// WithDefaults returns a copy of the options with default values applied.
func (o SyncOptions) WithDefaults() SyncOptions {
	if o.SymlinkPolicy == "" {
		o.SymlinkPolicy = "follow"
	}
	if o.Parallelism == 0 {
		o.Parallelism = 4
	}
	return o
}

// SyncResult represents the result of a sync operation.
type SyncResult struct {
	// LocalPath is the source file path.
	LocalPath string

	// RemotePath is the destination path.
	RemotePath string

	// Hash is the SHA256 hash of the local file.
	Hash string

	// Size is the file size in bytes.
	Size int64

	// Changed is false when the FileExist policy skipped the upload.
	Changed bool

	// Error holds any error that occurred.
	Error error
}

// DirectorySyncResult represents the result of a directory sync operation.
type DirectorySyncResult struct {
	// Files contains the result for each file.
	Files []SyncResult

	// TotalSize is the total size of all uploaded files.
	TotalSize int64

	// Uploaded is the number of files written.
	Uploaded int

	// Skipped is the number of files left alone by the FileExist policy.
	Skipped int

	// Errors is the number of files that failed.
	Errors int

	// CombinedHash is a hash of all file hashes.
	CombinedHash string
}

// Syncer uploads local files and trees through StoreFile, retrying each file
// when the failure is transient.
type Syncer struct {
	endpoint    Endpoint
	pool        *Pool
	ownsPool    bool
	retryConfig RetryConfig
	options     []Option
	logger      *slog.Logger
}

// SyncerOption configures a Syncer.
type SyncerOption func(*Syncer)

// WithRetryConfig sets the retry configuration.
func WithRetryConfig(config RetryConfig) SyncerOption {
	return func(s *Syncer) {
		s.retryConfig = config
	}
}

// WithOperationOptions passes options to every Operations the syncer's
// own pool creates.
func WithOperationOptions(options ...Option) SyncerOption {
	return func(s *Syncer) {
		s.options = append(s.options, options...)
	}
}

// WithPool shares an existing pool instead of creating one.
func WithPool(pool *Pool) SyncerOption {
	return func(s *Syncer) {
		s.pool = pool
	}
}

// NewSyncer creates a Syncer for endpoint. Unless WithPool is given, it owns
// a private pool built from opts, closed by Close.
func NewSyncer(endpoint Endpoint, opts Options, syncerOpts ...SyncerOption) (*Syncer, error) {
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("invalid options: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	retryConfig := DefaultRetryConfig()
	retryConfig.Logger = logger
	s := &Syncer{
		endpoint:    endpoint,
		retryConfig: retryConfig,
		logger:      logger,
	}

	for _, opt := range syncerOpts {
		opt(s)
	}

	if s.pool == nil {
		s.pool = NewPool(opts, time.Minute, s.options...)
		s.ownsPool = true
	}

	return s, nil
}

// Close closes the syncer and releases resources.
func (s *Syncer) Close() error {
	if s.ownsPool {
		s.pool.Close()
	}
	return nil
}

// Pool returns the pool the syncer draws connections from.
func (s *Syncer) Pool() *Pool {
	return s.pool
}

// SyncFile uploads a single file.
func (s *Syncer) SyncFile(ctx context.Context, localPath, remotePath string, opts *SyncOptions) (*SyncResult, error) {
	if opts == nil {
		opts = &SyncOptions{}
	}
	*opts = opts.WithDefaults()

	result := &SyncResult{
		LocalPath:  localPath,
		RemotePath: NormalizePath(remotePath),
	}

	hash, size, err := HashFile(localPath)
	if err != nil {
		result.Error = localIOFailed("sync", remotePath, fmt.Errorf("failed to hash local file: %w", err))
		return result, result.Error
	}
	result.Hash = hash
	result.Size = size

	if opts.DryRun {
		result.Changed = true
		return result, nil
	}

	if !opts.SkipMkdir {
		if dir := OnlyPath(result.RemotePath); dir != "" {
			if err := s.buildDirectories(ctx, []string{dir}); err != nil {
				result.Error = err
				return result, err
			}
		}
	}

	err = Retry(ctx, s.retryConfig, "store file", func() error {
		written, err := s.store(ctx, localPath, result.RemotePath)
		result.Changed = written
		return err
	})
	if err != nil {
		result.Error = err
		return result, err
	}

	return result, nil
}

// SyncDirectory uploads every file below localDir to the same relative path
// below remoteDir.
func (s *Syncer) SyncDirectory(ctx context.Context, localDir, remoteDir string, opts *SyncOptions) (*DirectorySyncResult, error) {
	if opts == nil {
		opts = &SyncOptions{}
	}
	*opts = opts.WithDefaults()

	result := &DirectorySyncResult{}

	files, err := ScanDirectory(localDir, opts.ExcludePatterns, opts.SymlinkPolicy)
	if err != nil {
		return nil, fmt.Errorf("failed to scan directory: %w", err)
	}

	type uploadJob struct {
		file       FileInfo
		localPath  string
		remotePath string
	}

	jobs := make([]uploadJob, 0, len(files))
	for _, file := range files {
		jobs = append(jobs, uploadJob{
			file:       file,
			localPath:  filepath.Join(localDir, file.RelPath),
			remotePath: JoinPath(remoteDir, filepath.ToSlash(file.RelPath)),
		})
	}

	if opts.DryRun {
		for _, job := range jobs {
			result.Files = append(result.Files, SyncResult{
				LocalPath:  job.localPath,
				RemotePath: job.remotePath,
				Hash:       job.file.Hash,
				Size:       job.file.Size,
				Changed:    true,
			})
			result.TotalSize += job.file.Size
		}
		result.Uploaded = len(files)
		result.CombinedHash = ComputeCombinedHash(files)
		return result, nil
	}

	if !opts.SkipMkdir && len(jobs) > 0 {
		dirs := make([]string, 0, len(jobs))
		seen := make(map[string]bool)
		for _, job := range jobs {
			if dir := OnlyPath(job.remotePath); dir != "" && !seen[dir] {
				seen[dir] = true
				dirs = append(dirs, dir)
			}
		}
		sort.Strings(dirs)
		if err := s.buildDirectories(ctx, dirs); err != nil {
			return nil, err
		}
	}

	parallelism := opts.Parallelism
	if parallelism > len(jobs) {
		parallelism = len(jobs)
	}
	if parallelism < 1 {
		parallelism = 1
	}

	jobChan := make(chan uploadJob, len(jobs))
	resultChan := make(chan SyncResult, len(jobs))

	var wg sync.WaitGroup
	for i := 0; i < parallelism; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range jobChan {
				syncResult := SyncResult{
					LocalPath:  job.localPath,
					RemotePath: job.remotePath,
					Hash:       job.file.Hash,
					Size:       job.file.Size,
				}

				if ctx.Err() != nil {
					syncResult.Error = interrupted("sync", job.remotePath, ctx.Err())
					resultChan <- syncResult
					continue
				}

				err := Retry(ctx, s.retryConfig, "store file", func() error {
					written, err := s.store(ctx, job.localPath, job.remotePath)
					syncResult.Changed = written
					return err
				})
				if err != nil {
					syncResult.Error = err
				}
				resultChan <- syncResult
			}
		}()
	}

	for _, job := range jobs {
		jobChan <- job
	}
	close(jobChan)

	go func() {
		wg.Wait()
		close(resultChan)
	}()

	for r := range resultChan {
		result.Files = append(result.Files, r)
		if r.Error != nil {
			result.Errors++
		} else if r.Changed {
			result.Uploaded++
			result.TotalSize += r.Size
		} else {
			result.Skipped++
		}
	}
	sort.Slice(result.Files, func(i, j int) bool {
		return result.Files[i].RemotePath < result.Files[j].RemotePath
	})

	s.logger.Info("directory sync finished",
		slog.String("local", localDir),
		slog.String("remote", remoteDir),
		slog.Int("uploaded", result.Uploaded),
		slog.Int("skipped", result.Skipped),
		slog.Int("errors", result.Errors))

	result.CombinedHash = ComputeCombinedHash(files)
	return result, nil
}

// DeleteFile deletes a remote file, retrying transient failures.
func (s *Syncer) DeleteFile(ctx context.Context, remotePath string) error {
	return Retry(ctx, s.retryConfig, "delete file", func() error {
		return s.withOperations(ctx, func(ops *Operations) error {
			return ops.DeleteFile(ctx, remotePath)
		})
	})
}

func (s *Syncer) store(ctx context.Context, localPath, remotePath string) (bool, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return false, localIOFailed("sync", remotePath, err)
	}
	defer f.Close()

	var written bool
	err = s.withOperations(ctx, func(ops *Operations) error {
		var err error
		written, err = ops.StoreFile(ctx, remotePath, f)
		return err
	})
	return written, err
}

func (s *Syncer) buildDirectories(ctx context.Context, dirs []string) error {
	return Retry(ctx, s.retryConfig, "build directory", func() error {
		return s.withOperations(ctx, func(ops *Operations) error {
			for _, dir := range dirs {
				built, err := ops.BuildDirectory(ctx, dir, false)
				if err != nil {
					return err
				}
				if !built {
					return operationFailed("mkdir", dir, fmt.Errorf("cannot create directory"))
				}
			}
			return nil
		})
	})
}

// withOperations checks out an instance for fn and returns it afterwards.
func (s *Syncer) withOperations(ctx context.Context, fn func(*Operations) error) error {
	ops, err := s.pool.Get(ctx, s.endpoint)
	if err != nil {
		return err
	}
	defer s.pool.Put(ops)
	return fn(ops)
}

// FileInfo holds information about a local file.
type FileInfo struct {
	RelPath string
	Hash    string
	Size    int64
}

// ScanDirectory walks a directory and returns information about all files.
func ScanDirectory(root string, excludePatterns []string, symlinkPolicy string) ([]FileInfo, error) {
	if symlinkPolicy == "" {
		symlinkPolicy = "follow"
	}

	var files []FileInfo

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		relPath, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}

		if d.IsDir() {
			if relPath != "." && shouldExclude(relPath, excludePatterns) {
				return filepath.SkipDir
			}
			return nil
		}

		if shouldExclude(relPath, excludePatterns) {
			return nil
		}

		if d.Type()&fs.ModeSymlink != 0 && symlinkPolicy == "skip" {
			return nil
		}

		hash, size, err := HashFile(path)
		if err != nil {
			return fmt.Errorf("failed to hash %s: %w", relPath, err)
		}

		files = append(files, FileInfo{
			RelPath: relPath,
			Hash:    hash,
			Size:    size,
		})

		return nil
	})

	if err != nil {
		return nil, err
	}

	sort.Slice(files, func(i, j int) bool {
		return files[i].RelPath < files[j].RelPath
	})

	return files, nil
}

func shouldExclude(path string, patterns []string) bool {
	for _, pattern := range patterns {
		if matched, _ := filepath.Match(pattern, filepath.Base(path)); matched {
			return true
		}
		if matched, _ := filepath.Match(pattern, path); matched {
			return true
		}
		for _, part := range strings.Split(filepath.ToSlash(path), "/") {
			if matched, _ := filepath.Match(pattern, part); matched {
				return true
			}
		}
	}
	return false
}

// HashFile computes the SHA256 hash of a file.
func HashFile(path string) (string, int64, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer file.Close()

	h := sha256.New()
	size, err := io.Copy(h, file)
	if err != nil {
		return "", 0, err
	}

	return "sha256:" + hex.EncodeToString(h.Sum(nil)), size, nil
}

// ComputeCombinedHash computes a combined hash from multiple file hashes.
func ComputeCombinedHash(files []FileInfo) string {
	h := sha256.New()
	for _, file := range files {
		_, _ = io.WriteString(h, filepath.ToSlash(file.RelPath))
		_, _ = io.WriteString(h, ":")
		_, _ = io.WriteString(h, file.Hash)
		_, _ = io.WriteString(h, "\n")
	}
	return "sha256:" + hex.EncodeToString(h.Sum(nil))
}
