// Command ptimage-load is a minimal standalone tool that loads a YAML
// manifest of section mappings into a single in-process Image and
// dumps a requested byte range to stdout. It never decodes or
// disassembles anything — it exists purely to exercise
// internal/image/internal/section/internal/asid end to end, the way a
// trace decoder's memory-image front end would, without being one.
//
// Usage:
//
//	ptimage-load --manifest manifest.yaml --vaddr 0x10000 --len 16 [--cr3 0x1] [--vmcs 0x1]
package main

import (
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/tracedmem/ptimage/internal/asid"
	"github.com/tracedmem/ptimage/internal/config"
	"github.com/tracedmem/ptimage/internal/image"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "ptimage-load: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	manifestPath := flag.String("manifest", "", "path to a YAML manifest of sections to preload (images[0] is used)")
	vaddrStr := flag.String("vaddr", "0x0", "virtual address to read from")
	length := flag.Int("len", 16, "number of bytes to read")
	cr3Str := flag.String("cr3", "0x0", "CR3 of the address space to read from (0 = wildcard)")
	vmcsStr := flag.String("vmcs", "0x0", "VMCS of the address space to read from (0 = wildcard)")
	flag.Parse()

	if *manifestPath == "" {
		return fmt.Errorf("--manifest is required")
	}

	vaddr, err := parseUint(*vaddrStr)
	if err != nil {
		return fmt.Errorf("--vaddr: %w", err)
	}
	cr3, err := parseUint(*cr3Str)
	if err != nil {
		return fmt.Errorf("--cr3: %w", err)
	}
	vmcs, err := parseUint(*vmcsStr)
	if err != nil {
		return fmt.Errorf("--vmcs: %w", err)
	}

	cfg, err := config.Load(*manifestPath)
	if err != nil {
		return err
	}
	if len(cfg.Images) == 0 {
		return fmt.Errorf("manifest defines no images")
	}
	ic := cfg.Images[0]

	img := image.NewWithCapacity(ic.Name, *ic.CacheCapacity)
	defer img.Close()

	for _, sc := range ic.Sections {
		a := asid.Asid{CR3: sc.CR3, VMCS: sc.VMCS}
		if err := img.AddFile(sc.Path, sc.FileOffset, sc.Size, a, sc.Vaddr); err != nil {
			return fmt.Errorf("loading section %q: %w", sc.Path, err)
		}
	}

	buf := make([]byte, *length)
	n, err := img.Read(buf, *length, asid.Asid{CR3: cr3, VMCS: vmcs}, vaddr)
	if err != nil {
		return fmt.Errorf("read at %#x: %w", vaddr, err)
	}

	fmt.Println(hex.Dump(buf[:n]))
	return nil
}

// parseUint accepts decimal or 0x-prefixed hexadecimal, matching the
// flag examples in this command's usage comment.
func parseUint(s string) (uint64, error) {
	return strconv.ParseUint(s, 0, 64)
}
