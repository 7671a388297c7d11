// Command derive prints the dashboard display price for position records
// read from a file or stdin. Input is a JSON array of objects or one object
// per line.
//
//	derive -file positions.json -decimals 2
//	redis-cli HVALS positions:raw | derive -json
package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"text/tabwriter"
	"time"

	"trading-dashboard/internal/positions"
)

func main() {
	file := flag.String("file", "", "input file (default stdin)")
	decimals := flag.Int("decimals", 2, "decimal places in the display text")
	fieldMap := flag.String("fieldmap", "", "YAML field map overriding the default upstream keys")
	asJSON := flag.Bool("json", false, "print one JSON view per line instead of a table")
	flag.Parse()

	log.SetFlags(0)
	log.SetPrefix("derive: ")

	fm, err := positions.LoadFieldMap(*fieldMap)
	if err != nil {
		log.Fatal(err)
	}

	var in io.Reader = os.Stdin
	if *file != "" {
		f, err := os.Open(*file)
		if err != nil {
			log.Fatal(err)
		}
		defer f.Close()
		in = f
	}

	if err := run(in, os.Stdout, *decimals, fm, *asJSON); err != nil {
		log.Fatal(err)
	}
}

func run(in io.Reader, out io.Writer, decimals int, fm positions.FieldMap, asJSON bool) error {
	records, err := readRecords(in)
	if err != nil {
		return err
	}

	now := time.Now()
	if asJSON {
		enc := json.NewEncoder(out)
		for i, raw := range records {
			p, err := positions.Decode(raw, fm)
			if err != nil {
				fmt.Fprintf(os.Stderr, "record %d: %v\n", i, err)
				continue
			}
			if err := enc.Encode(positions.Build(p, decimals, now)); err != nil {
				return err
			}
		}
		return nil
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "KEY\tSYMBOL\tPRICE\tSOURCE")
	for i, raw := range records {
		p, err := positions.Decode(raw, fm)
		key := p.Key()
		if errors.Is(err, positions.ErrNoKey) {
			key = fmt.Sprintf("#%d", i)
		}
		v := positions.Build(p, decimals, now)
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", key, p.TradingSymbol, v.DisplayText, v.PriceSource)
	}
	return tw.Flush()
}

// readRecords accepts a JSON array of objects or a stream of objects.
func readRecords(in io.Reader) ([]map[string]any, error) {
	br := bufio.NewReader(in)
	first, err := peekNonSpace(br)
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	dec := json.NewDecoder(br)
	dec.UseNumber()

	if first == '[' {
		var recs []map[string]any
		if err := dec.Decode(&recs); err != nil {
			return nil, fmt.Errorf("decode array: %w", err)
		}
		return recs, nil
	}

	var recs []map[string]any
	for {
		var rec map[string]any
		err := dec.Decode(&rec)
		if err == io.EOF {
			return recs, nil
		}
		if err != nil {
			return nil, fmt.Errorf("decode record %d: %w", len(recs)+1, err)
		}
		recs = append(recs, rec)
	}
}

func peekNonSpace(br *bufio.Reader) (byte, error) {
	for {
		b, err := br.ReadByte()
		if err != nil {
			return 0, err
		}
		switch b {
		case ' ', '\t', '\r', '\n':
			continue
		}
		return b, br.UnreadByte()
	}
}
