package main

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"
	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/memblob"

	"github.com/emx-mail/unread/pkgs/archive"
	"github.com/emx-mail/unread/pkgs/config"
)

type exportFlags struct {
	bucket string
	key    string
}

func parseExportFlags(args []string) exportFlags {
	fs := flag.NewFlagSet("export", flag.ExitOnError)
	var f exportFlags
	fs.StringVar(&f.bucket, "bucket", "", "Bucket URL (file:///path, mem://)")
	fs.StringVar(&f.key, "key", "", "Object key (default: <account>-<timestamp>.mbox)")
	if err := fs.Parse(args); err != nil {
		fatal("export: %v", err)
	}
	if f.bucket == "" {
		fatal("export: --bucket is required")
	}
	return f
}

func exportKey(acc *config.AccountConfig, now time.Time) string {
	return fmt.Sprintf("%s-%s.mbox", acc.Name, now.UTC().Format("20060102T150405Z"))
}

func handleExport(ctx context.Context, acc *config.AccountConfig, f exportFlags, log logrus.FieldLogger) error {
	msgs, err := fetchUnread(ctx, acc, log)
	if err != nil {
		return err
	}

	bucket, err := blob.OpenBucket(ctx, f.bucket)
	if err != nil {
		return fmt.Errorf("failed to open bucket: %w", err)
	}
	defer bucket.Close()

	key := f.key
	if key == "" {
		key = exportKey(acc, time.Now())
	}
	if err := archive.WriteMbox(ctx, bucket, key, msgs); err != nil {
		return err
	}

	log.WithFields(logrus.Fields{"bucket": f.bucket, "key": key, "messages": len(msgs)}).Info("exported unread messages")
	fmt.Printf("Exported %d message(s) to %s\n", len(msgs), key)
	return nil
}
