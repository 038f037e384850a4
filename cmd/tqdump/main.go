// Command tqdump prints the structure of tqdb files.
//
// For a main database file it prints the header and, when the number of
// registered types is supplied with -types, the per-type counts vector.
// For a journal file it lists the entries with their checksum status,
// stopping after the first entry whose checksum does not match. The file
// kind is detected from the magic bytes.
//
// Usage:
//
//	tqdump [-types N] file.tqdb
//	tqdump file.tqdb.wal
package main

import (
	"encoding/binary"
	"flag"
	"fmt"
	"os"

	"github.com/acvigue/tqdb/internal/checksum"
)

const (
	mainMagic  = 0x42445154 // "TQDB"
	walMagic   = 0x4C415754 // "TWAL"
	headerSize = 16
)

var typeCount = flag.Int("types", 0, "number of registered record types (enables counts dump)")

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: tqdump [-types N] <file>\n")
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}

	raw, err := os.ReadFile(flag.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "tqdump: %v\n", err)
		os.Exit(1)
	}
	if len(raw) < headerSize {
		fmt.Fprintf(os.Stderr, "tqdump: %s: file too short (%d bytes)\n", flag.Arg(0), len(raw))
		os.Exit(1)
	}

	switch binary.LittleEndian.Uint32(raw[0:4]) {
	case mainMagic:
		dumpMain(raw)
	case walMagic:
		dumpWAL(raw)
	default:
		fmt.Fprintf(os.Stderr, "tqdump: %s: unrecognized magic %#08x\n", flag.Arg(0), binary.LittleEndian.Uint32(raw[0:4]))
		os.Exit(1)
	}
}

func dumpMain(raw []byte) {
	fmt.Printf("main database file\n")
	fmt.Printf("  magic:    %q\n", raw[0:4])
	fmt.Printf("  version:  %d\n", binary.LittleEndian.Uint16(raw[4:6]))
	fmt.Printf("  flags:    %#04x\n", binary.LittleEndian.Uint16(raw[6:8]))

	stored := binary.LittleEndian.Uint32(raw[8:12])
	computed := checksum.CRC32(raw[headerSize:])
	status := "OK"
	if stored != computed {
		status = fmt.Sprintf("MISMATCH (computed %#08x)", computed)
	}
	fmt.Printf("  crc:      %#08x  %s\n", stored, status)
	fmt.Printf("  size:     %d bytes (%d after header)\n", len(raw), len(raw)-headerSize)

	if *typeCount > 0 {
		if len(raw) < headerSize+*typeCount*4 {
			fmt.Printf("  counts:   (file shorter than %d counts)\n", *typeCount)
			return
		}
		total := uint32(0)
		for i := 0; i < *typeCount; i++ {
			c := binary.LittleEndian.Uint32(raw[headerSize+i*4:])
			fmt.Printf("  type %2d:  %d records\n", i, c)
			total += c
		}
		fmt.Printf("  total:    %d records\n", total)
	}
}

func dumpWAL(raw []byte) {
	fmt.Printf("journal file\n")
	fmt.Printf("  magic:        %q\n", raw[0:4])
	fmt.Printf("  version:      %d\n", binary.LittleEndian.Uint16(raw[4:6]))
	fmt.Printf("  flags:        %#04x\n", binary.LittleEndian.Uint16(raw[6:8]))
	fmt.Printf("  main crc:     %#08x\n", binary.LittleEndian.Uint32(raw[8:12]))

	count := binary.LittleEndian.Uint32(raw[12:16])
	fmt.Printf("  entry count:  %d\n", count)

	offset := headerSize
	for i := uint32(0); i < count; i++ {
		// crc(4) + op(1) + type(1) + id(4) + len(4)
		if offset+14 > len(raw) {
			fmt.Printf("  entry %3d: truncated at offset %d\n", i, offset)
			return
		}
		stored := binary.LittleEndian.Uint32(raw[offset : offset+4])
		op := raw[offset+4]
		typeIdx := raw[offset+5]
		id := binary.LittleEndian.Uint32(raw[offset+6 : offset+10])
		dataLen := binary.LittleEndian.Uint32(raw[offset+10 : offset+14])
		if offset+14+int(dataLen) > len(raw) {
			fmt.Printf("  entry %3d: payload truncated at offset %d\n", i, offset)
			return
		}

		computed := checksum.CRC32(raw[offset+4 : offset+14+int(dataLen)])
		status := "OK"
		if stored != computed {
			status = "BAD CRC"
		}
		fmt.Printf("  entry %3d: %-6s type=%d id=%d len=%d crc=%#08x %s\n",
			i, opName(op), typeIdx, id, dataLen, stored, status)
		if status == "BAD CRC" {
			fmt.Printf("  (scan stops here: tail is ignored by the store)\n")
			return
		}
		offset += 14 + int(dataLen)
	}
}

func opName(op byte) string {
	switch op {
	case 1:
		return "ADD"
	case 2:
		return "UPDATE"
	case 3:
		return "DELETE"
	default:
		return fmt.Sprintf("OP(%d)", op)
	}
}
