// Command zdb is a thin, read-only debug dump tool exercising zio's BP/GBH
// encoders (§1: the debugger/dumper is out of scope, but its
// *interfaces* are consumed throughout §4 -- this proves the encoders are
// usable from outside the engine without implementing pool-wide dump
// semantics). A flat flag-driven subcommand dispatch, jsoniter for
// structured output, same as cmd/cli/cli/object.go's
// jsoniter.Unmarshal usage.
/*
 * Copyright (c) 2024, NVIDIA CORPORATION. All rights reserved.
 */
package main

import (
	"encoding/hex"
	"flag"
	"fmt"
	"os"

	jsoniter "github.com/json-iterator/go"

	"github.com/NVIDIA/zpool/zio"
)

// bpSnapshot is the JSON-friendly projection of a zio.BlockPointer: the
// struct itself intentionally keeps an unexported dva-count field, so zdb
// dumps through this mirror rather than marshaling BlockPointer directly.
type bpSnapshot struct {
	DVAs     [3]dvaSnapshot `json:"dvas"`
	LSize    uint64         `json:"lsize"`
	PSize    uint64         `json:"psize"`
	Compress zio.CompressID `json:"compress"`
	Checksum zio.ChecksumID `json:"checksum"`
	Level    uint8          `json:"level"`
	Type     uint8          `json:"type"`
	Fill     uint64         `json:"fill"`
	Birth    uint64         `json:"birth"`
	Cksum    [4]uint64      `json:"cksum"`
	Hole     bool           `json:"hole"`
	Gang     bool           `json:"gang"`
}

type dvaSnapshot struct {
	Vdev  uint32 `json:"vdev"`
	Gang  bool   `json:"gang"`
	Asize uint64 `json:"asize"`
	Off   uint64 `json:"offset"`
}

func snapshotBP(bp *zio.BlockPointer) bpSnapshot {
	s := bpSnapshot{
		LSize: bp.LSize, PSize: bp.PSize, Compress: bp.Compress,
		Checksum: bp.Checksum, Level: bp.Level, Type: bp.Type,
		Fill: bp.Fill, Birth: bp.Birth, Cksum: bp.Cksum,
		Hole: bp.IsHole(), Gang: bp.IsGang(0),
	}
	for i, d := range bp.DVAs {
		s.DVAs[i] = dvaSnapshot{Vdev: d.Vdev, Gang: d.Gang, Asize: d.Asize, Off: d.Off}
	}
	return s
}

func main() {
	var hexInput string
	var gangMode bool
	flag.StringVar(&hexInput, "hex", "", "hex-encoded BP (or, with -gang, GBH) bytes to decode")
	flag.BoolVar(&gangMode, "gang", false, "decode -hex as a gang header instead of a bare BP")
	flag.Parse()

	if hexInput == "" {
		fmt.Fprintln(os.Stderr, "usage: zdb -hex <hex bytes> [-gang]")
		os.Exit(2)
	}
	raw, err := hex.DecodeString(hexInput)
	if err != nil {
		fmt.Fprintf(os.Stderr, "zdb: bad hex input: %v\n", err)
		os.Exit(1)
	}

	json := jsoniter.ConfigCompatibleWithStandardLibrary
	var out []byte
	if gangMode {
		gh := &zio.GangHeader{}
		gh.Decode(raw)
		snaps := make([]bpSnapshot, len(gh.BlkPtr))
		for i := range gh.BlkPtr {
			snaps[i] = snapshotBP(&gh.BlkPtr[i])
		}
		out, err = json.MarshalIndent(struct {
			BlkPtr []bpSnapshot `json:"blkptr"`
			Tail   [4]uint64    `json:"tail"`
		}{snaps, gh.Tail}, "", "  ")
	} else {
		bp := &zio.BlockPointer{}
		bp.Decode(raw)
		out, err = json.MarshalIndent(snapshotBP(bp), "", "  ")
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "zdb: marshal failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(string(out))
}
