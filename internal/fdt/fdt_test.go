package fdt_test

import (
	"encoding/binary"
	"testing"

	"github.com/smoynes/rv64emu/internal/fdt"
)

func TestBuildHeaderMagicAndVersion(t *testing.T) {
	root := fdt.New("")
	root.PropString("model", "rv64emu")

	b := fdt.NewBuilder(root)

	blob, err := b.Build()
	if err != nil {
		t.Fatal(err)
	}

	if len(blob) < 40 {
		t.Fatalf("blob too short: %d bytes", len(blob))
	}

	magic := binary.BigEndian.Uint32(blob[0:4])
	if magic != 0xd00dfeed {
		t.Errorf("magic = %#x, want 0xd00dfeed", magic)
	}

	version := binary.BigEndian.Uint32(blob[20:24])
	if version != 17 {
		t.Errorf("version = %d, want 17", version)
	}

	totalSize := binary.BigEndian.Uint32(blob[4:8])
	if int(totalSize) != len(blob) {
		t.Errorf("header totalsize = %d, want %d (actual blob length)", totalSize, len(blob))
	}
}

func TestBuildStructOffsetsAreWordAligned(t *testing.T) {
	root := fdt.New("")
	root.Child("memory@80000000").PropU64("reg", 0x80000000)

	b := fdt.NewBuilder(root)

	blob, err := b.Build()
	if err != nil {
		t.Fatal(err)
	}

	structOff := binary.BigEndian.Uint32(blob[8:12])
	strOff := binary.BigEndian.Uint32(blob[12:16])

	if structOff%4 != 0 {
		t.Errorf("off_dt_struct = %d, not 4-byte aligned", structOff)
	}

	if strOff%4 != 0 {
		t.Errorf("off_dt_strings = %d, not 4-byte aligned", strOff)
	}
}

func TestPhandleStableAndUnique(t *testing.T) {
	root := fdt.New("")
	plic := root.Child("interrupt-controller@c000000")
	clint := root.Child("clint@2000000")

	b := fdt.NewBuilder(root)

	p1 := b.Phandle(plic)
	p2 := b.Phandle(clint)
	p1Again := b.Phandle(plic)

	if p1 == p2 {
		t.Error("distinct nodes must get distinct phandles")
	}

	if p1 != p1Again {
		t.Error("requesting a node's phandle twice must return the same value")
	}

	if p1 == 0 || p2 == 0 {
		t.Error("phandle 0 is reserved/invalid and should never be allocated")
	}
}

func TestBuildContainsInternedStrings(t *testing.T) {
	root := fdt.New("")
	root.PropStringList("compatible", []string{"riscv,rvemu"})

	b := fdt.NewBuilder(root)

	blob, err := b.Build()
	if err != nil {
		t.Fatal(err)
	}

	if !containsBytes(blob, []byte("compatible\x00")) {
		t.Error("strings block should contain the interned property name")
	}

	if !containsBytes(blob, []byte("riscv,rvemu\x00")) {
		t.Error("struct block should contain the compatible string's value")
	}
}

func containsBytes(haystack, needle []byte) bool {
	if len(needle) == 0 || len(haystack) < len(needle) {
		return false
	}

	for i := 0; i+len(needle) <= len(haystack); i++ {
		match := true

		for j := range needle {
			if haystack[i+j] != needle[j] {
				match = false
				break
			}
		}

		if match {
			return true
		}
	}

	return false
}
