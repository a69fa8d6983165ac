package main

import (
	"bufio"
	"context"
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/keyhound/keyhound/addrparse"
	"github.com/keyhound/keyhound/addrstore"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"
)

// runExport writes the store back out as text. Fixed-width lines carry the
// 40-character hex hash; variable-width lines carry the base58 P2PKH
// rendering. Both append the amount tab-separated.
func runExport(ctx context.Context, cfg *Config) error {
	exp := cfg.LMDBToAddressFile
	store, err := addrstore.Open(exp.Store.Path, exp.Store.MinMapSizeBytes)
	if err != nil {
		return err
	}
	defer store.Close()

	total, err := store.Size()
	if err != nil {
		return err
	}

	out, err := os.Create(exp.OutputFile)
	if err != nil {
		return fmt.Errorf("export to %s: %w", exp.OutputFile, err)
	}
	defer out.Close()
	w := bufio.NewWriter(out)

	bar := progressbar.Default(int64(total), "exporting")
	defer bar.Close()

	err = store.Iterate(func(hash [addrstore.HashSize]byte, amount uint64) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		bar.Add(1)
		if exp.FixedWidth {
			_, err := fmt.Fprintf(w, "%x\t%d\n", hash, amount)
			return err
		}
		_, err := fmt.Fprintf(w, "%s\t%d\n", addrparse.AddressP2PKH(hash), amount)
		return err
	})
	if err != nil {
		return err
	}
	if err := w.Flush(); err != nil {
		return err
	}
	klog.Infof("exported %s entries to %s", humanize.Comma(int64(total)), exp.OutputFile)
	return nil
}
