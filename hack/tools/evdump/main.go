// Command evdump decodes a stream of serialized deadline-miss records and
// prints them as text. Producers may declare a larger record size than this
// build knows; the known prefix is decoded and the suffix skipped.
package main

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"

	"slo-sched/pkg/events"
)

var errUndersizedRecord = errors.New("declared record size below known size")

type dumpConfig struct {
	input      string
	recordSize int
}

func main() {
	cfg, err := parseConfig(os.Args[1:])
	if err != nil {
		logFatal(err)
	}

	err = runDump(cfg, os.Stdout)
	if err != nil {
		logFatal(err)
	}
}

func parseConfig(args []string) (dumpConfig, error) {
	var cfg dumpConfig

	flags := flag.NewFlagSet("evdump", flag.ContinueOnError)
	flags.SetOutput(io.Discard)

	flags.StringVar(&cfg.input, "input", "-", "Record stream to decode (- for stdin)")
	flags.IntVar(
		&cfg.recordSize,
		"record-size",
		events.RecordSize,
		"Record size declared by the producer",
	)

	err := flags.Parse(args)
	if err != nil {
		return dumpConfig{}, fmt.Errorf("parse flags: %w", err)
	}

	return cfg, nil
}

func runDump(cfg dumpConfig, out io.Writer) error {
	if cfg.recordSize < events.RecordSize {
		return fmt.Errorf("%w: %d < %d", errUndersizedRecord, cfg.recordSize, events.RecordSize)
	}

	reader := os.Stdin

	if cfg.input != "-" {
		file, err := os.Open(cfg.input)
		if err != nil {
			return fmt.Errorf("open input: %w", err)
		}

		defer func() {
			_ = file.Close()
		}()

		reader = file
	}

	return dumpRecords(bufio.NewReader(reader), out, cfg.recordSize)
}

func dumpRecords(reader io.Reader, out io.Writer, recordSize int) error {
	buf := make([]byte, recordSize)

	for index := 0; ; index++ {
		_, err := io.ReadFull(reader, buf)
		if errors.Is(err, io.EOF) {
			return nil
		}

		if errors.Is(err, io.ErrUnexpectedEOF) {
			return fmt.Errorf("record %d truncated: %w", index, err)
		}

		if err != nil {
			return fmt.Errorf("read record %d: %w", index, err)
		}

		ev, _, err := events.DecodeRecord(buf, recordSize)
		if err != nil {
			return fmt.Errorf("decode record %d: %w", index, err)
		}

		_, err = fmt.Fprintf(out, "workload=%d miss_ns=%d timestamp=%d\n",
			uint64(ev.WorkloadID), ev.MissNS, ev.Timestamp)
		if err != nil {
			return fmt.Errorf("write record %d: %w", index, err)
		}
	}
}

func logFatal(err error) {
	log.Printf("error: %v", err)
	os.Exit(1)
}
