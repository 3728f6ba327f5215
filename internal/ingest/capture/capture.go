// Package capture reads a transport stream from pre-recorded sources: a raw
// .ts file read in fixed-size chunks, or a libpcap capture filtered down to
// UDP payloads.
package capture

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/snapetech/mtsqos/internal/tspacket"
)

// ReadTSFile streams a raw .ts file in chunkPackets*188-byte reads, invoking
// handle for each chunk with a synthetic monotonically increasing arrival
// time (the file carries no timestamps of its own).
func ReadTSFile(path string, chunkPackets int, handle func(data []byte, arrival time.Time)) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("capture: open %s: %w", path, err)
	}
	defer f.Close()

	if chunkPackets <= 0 {
		chunkPackets = 7
	}
	buf := make([]byte, tspacket.Len*chunkPackets)
	r := bufio.NewReader(f)
	now := time.Now()
	for {
		n, err := io.ReadFull(r, buf)
		if n > 0 {
			handle(buf[:n], now)
			now = now.Add(time.Duration(n/tspacket.Len) * time.Millisecond)
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("capture: read %s: %w", path, err)
		}
	}
}

// pcapGlobalHeaderLen is the fixed libpcap file header size.
const pcapGlobalHeaderLen = 24

// pcapPerPacketHeaderLen is the fixed per-record header: ts_sec, ts_usec,
// incl_len, orig_len, all uint32.
const pcapPerPacketHeaderLen = 16

// ethernetIPUDPHeaderLen is the fixed offset to UDP payload assuming a
// 14-byte Ethernet header and a 20-byte IPv4 header with no options,
// matching the reference reader's fixed `data[42:]` slice.
const ethernetIPUDPHeaderLen = 14 + 20 + 8

// ipProtocolOffset is the byte offset of the IPv4 protocol field within an
// Ethernet+IPv4 frame (14-byte Ethernet header + 9 bytes into the IP
// header).
const ipProtocolOffset = 14 + 9

const protoUDP = 17

// ReadPCAPFile streams UDP payloads out of a classic (non-nanosecond,
// non-PCAPNG) pcap file, assuming Ethernet+IPv4 framing with no IP options,
// matching the original capture tool's fixed-offset slicing.
func ReadPCAPFile(path string, handle func(data []byte, arrival time.Time)) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("capture: open %s: %w", path, err)
	}
	defer f.Close()
	r := bufio.NewReader(f)

	global := make([]byte, pcapGlobalHeaderLen)
	if _, err := io.ReadFull(r, global); err != nil {
		return fmt.Errorf("capture: read pcap global header: %w", err)
	}

	header := make([]byte, pcapPerPacketHeaderLen)
	for {
		if _, err := io.ReadFull(r, header); err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("capture: read pcap record header: %w", err)
		}
		sec := binary.LittleEndian.Uint32(header[0:4])
		usec := binary.LittleEndian.Uint32(header[4:8])
		inclLen := binary.LittleEndian.Uint32(header[8:12])

		frame := make([]byte, inclLen)
		if _, err := io.ReadFull(r, frame); err != nil {
			return fmt.Errorf("capture: read pcap record body: %w", err)
		}
		if int(inclLen) <= ipProtocolOffset || frame[ipProtocolOffset] != protoUDP {
			continue
		}
		if int(inclLen) <= ethernetIPUDPHeaderLen {
			continue
		}
		arrival := time.Unix(int64(sec), int64(usec)*1000)
		handle(frame[ethernetIPUDPHeaderLen:], arrival)
	}
}
