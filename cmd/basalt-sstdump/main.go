// Package main provides the basalt-sstdump CLI tool for inspecting
// sorted table files.
//
// Usage:
//
//	basalt-sstdump --file=<path> [options]
//
// Commands:
//
//	scan            Scan all key-value pairs
//	properties      Show table properties
//	check           Verify table integrity
package main

import (
	"encoding/hex"
	"flag"
	"fmt"
	"os"

	"github.com/basaltdb/basalt/internal/keys"
	"github.com/basaltdb/basalt/internal/sstable"
)

var (
	filePath  = flag.String("file", "", "Path to the table file (required)")
	command   = flag.String("command", "scan", "Command: scan, properties, check")
	hexOutput = flag.Bool("hex", false, "Output keys and values in hex format")
	limit     = flag.Int("limit", 0, "Limit number of entries (0 = unlimited)")
	fromKey   = flag.String("from", "", "Start key for scan")
	showVals  = flag.Bool("values", true, "Show values in scan output")
)

func main() {
	flag.Parse()

	if *filePath == "" {
		fmt.Fprintln(os.Stderr, "error: --file is required")
		flag.Usage()
		os.Exit(1)
	}

	r, err := sstable.OpenReader(*filePath, sstable.Options{VerifyChecksums: *command == "check"})
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: open %s: %v\n", *filePath, err)
		os.Exit(1)
	}
	defer r.Close()

	switch *command {
	case "scan":
		err = runScan(r)
	case "properties":
		err = runProperties(r)
	case "check":
		err = runCheck(r)
	default:
		err = fmt.Errorf("unknown command %q", *command)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func runScan(r *sstable.Reader) error {
	it := r.NewIterator()
	defer it.Close()

	if *fromKey != "" {
		it.Seek(keys.SeekKey([]byte(*fromKey), keys.MaxSequence))
	} else {
		it.SeekFirst()
	}

	n := 0
	for ; it.Valid(); it.Next() {
		user, seq, kind, ok := keys.Decode(it.Key())
		if !ok {
			return fmt.Errorf("malformed internal key at entry %d", n)
		}
		line := fmt.Sprintf("%s @ %d : %s", formatBytes(user), seq, kindName(kind))
		if *showVals && kind != keys.KindDelete {
			v, err := it.Value()
			if err != nil {
				return err
			}
			line += " => " + formatBytes(v)
		}
		fmt.Println(line)
		n++
		if *limit > 0 && n >= *limit {
			break
		}
	}
	if err := it.Error(); err != nil {
		return err
	}
	fmt.Printf("%d entries scanned\n", n)
	return nil
}

func runProperties(r *sstable.Reader) error {
	fmt.Printf("entries:    %d\n", r.NumEntries())
	fmt.Printf("smallest:   %s\n", formatBytes(r.Smallest()))
	fmt.Printf("largest:    %s\n", formatBytes(r.Largest()))
	fmt.Printf("blob bytes: %d\n", r.BlobBytes())
	fmt.Printf("reader mem: %d\n", r.EstimateMemoryUsage())
	return nil
}

func runCheck(r *sstable.Reader) error {
	it := r.NewIterator()
	defer it.Close()

	var prev []byte
	n := 0
	for it.SeekFirst(); it.Valid(); it.Next() {
		ik := append([]byte(nil), it.Key()...)
		if prev != nil && keys.Compare(prev, ik) >= 0 {
			return fmt.Errorf("key order violation at entry %d", n)
		}
		if _, err := it.Value(); err != nil {
			return fmt.Errorf("entry %d: %w", n, err)
		}
		prev = ik
		n++
	}
	if err := it.Error(); err != nil {
		return err
	}
	fmt.Printf("OK: %d entries verified\n", n)
	return nil
}

func kindName(k keys.Kind) string {
	switch k {
	case keys.KindValue:
		return "value"
	case keys.KindDelete:
		return "delete"
	case keys.KindBlobRef:
		return "blobref"
	default:
		return fmt.Sprintf("kind(%d)", k)
	}
}

func formatBytes(b []byte) string {
	if *hexOutput {
		return hex.EncodeToString(b)
	}
	return string(b)
}
