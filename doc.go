// Package sftpops turns an SSH/SFTP session into a directory and file
// management API for polling producers and consumers.
//
// This package provides:
//   - Connection lifecycle with a bounded reconnect loop
//   - Direct or stepwise (one segment per call) directory navigation
//   - Downloads streamed, buffered, or materialized through a .inprogress file
//   - Uploads under a conflict policy (Override, Append, Fail, Ignore, Move)
//   - A pool of independent connections and a parallel Syncer built on it
//   - Private key, password, certificate and agent authentication, and bastion hosts
//
// # Basic Usage
//
//	endpoint := sftpops.Endpoint{
//		Host:    "example.com",
//		User:    "deploy",
//		KeyPath: "~/.ssh/id_ed25519",
//	}
//
//	ops, err := sftpops.New(endpoint, sftpops.Options{
//		Reconnect: sftpops.DefaultReconnectPolicy(),
//		FileExist: sftpops.FileExistFail,
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	if err := ops.Connect(ctx); err != nil {
//		log.Fatal(err)
//	}
//	defer ops.Disconnect()
//
//	written, err := ops.StoreFile(ctx, "inbox/report.csv", f)
//
// An Operations owns one connection and the server-side working directory,
// so it must not be shared between goroutines. Check instances out of a Pool
// instead:
//
//	pool := sftpops.NewPool(opts, 5*time.Minute)
//	defer pool.Close()
//
//	ops, err := pool.Get(ctx, endpoint)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer pool.Put(ops)
//
// # Errors
//
// Every error wraps one of ErrConnectionFailed, ErrInterrupted,
// ErrOperationFailed or ErrLocalIO and can be inspected with errors.Is and
// errors.As(err, *OperationError).
package sftpops
