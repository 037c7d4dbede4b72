// Copyright 2025 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package sniffer

import (
	"io"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

// pcapWriter serializes frames from both directions into one pcap stream.
type pcapWriter struct {
	mu      sync.Mutex
	w       *pcapgo.Writer
	snapLen uint32
	now     func() time.Time
}

func newPCAPWriter(w io.Writer, snapLen uint32) (*pcapWriter, error) {
	pw := pcapgo.NewWriter(w)
	if err := pw.WriteFileHeader(snapLen, layers.LinkTypeEthernet); err != nil {
		return nil, err
	}
	return &pcapWriter{w: pw, snapLen: snapLen, now: time.Now}, nil
}

func (p *pcapWriter) write(frame []byte) error {
	data := frame
	if uint32(len(data)) > p.snapLen {
		data = data[:p.snapLen]
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.w.WritePacket(gopacket.CaptureInfo{
		Timestamp:     p.now(),
		CaptureLength: len(data),
		Length:        len(frame),
	}, data)
}
