// kprofile converts a kernel counter snapshot (the kstat.String format
// dumped over the console, "#Name: value" per line) into a pprof
// profile, so the usual `go tool pprof` workflow applies to kernel
// counters.
//
// Usage: kprofile -i stats.txt -o stats.pprof
package main

import (
	"bufio"
	"flag"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/google/pprof/profile"
)

func main() {
	in := flag.String("i", "", "counter snapshot file (default stdin)")
	out := flag.String("o", "kernel.pprof", "output profile")
	flag.Parse()

	r := os.Stdin
	if *in != "" {
		f, err := os.Open(*in)
		if err != nil {
			log.Fatal(err)
		}
		defer f.Close()
		r = f
	}

	p := &profile.Profile{
		SampleType: []*profile.ValueType{{Type: "events", Unit: "count"}},
	}
	var nextID uint64 = 1
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if !strings.HasPrefix(line, "#") {
			continue
		}
		name, valStr, ok := strings.Cut(strings.TrimPrefix(line, "#"), ":")
		if !ok {
			continue
		}
		val, err := strconv.ParseInt(strings.TrimSpace(valStr), 10, 64)
		if err != nil {
			log.Fatalf("kprofile: bad counter line %q: %v", line, err)
		}
		fn := &profile.Function{
			ID:         nextID,
			Name:       strings.TrimSpace(name),
			SystemName: strings.TrimSpace(name),
		}
		loc := &profile.Location{
			ID:   nextID,
			Line: []profile.Line{{Function: fn}},
		}
		nextID++
		p.Function = append(p.Function, fn)
		p.Location = append(p.Location, loc)
		p.Sample = append(p.Sample, &profile.Sample{
			Location: []*profile.Location{loc},
			Value:    []int64{val},
		})
	}
	if err := sc.Err(); err != nil {
		log.Fatal(err)
	}
	if err := p.CheckValid(); err != nil {
		log.Fatalf("kprofile: built an invalid profile: %v", err)
	}

	f, err := os.Create(*out)
	if err != nil {
		log.Fatal(err)
	}
	defer f.Close()
	if err := p.Write(f); err != nil {
		log.Fatal(err)
	}
	log.Printf("wrote %s (%d counters)", *out, len(p.Sample))
}
