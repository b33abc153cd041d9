// hopsniff is a tcpdump-style debug tool: it captures live TCP traffic
// on a Hop port and decodes each frame with the Codec, the same role a
// protocol dissector plays for other wire formats. It never touches
// the Client/Server hot path -- it is read-only and reassembles frames
// independently from whatever stream it observes.
package main

import (
	"flag"
	"fmt"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"

	"github.com/sandia-hop/hop/pkg/hop"
	"github.com/sandia-hop/hop/pkg/hoplog"
)

var (
	f_iface = flag.String("i", "lo", "interface to capture on")
	f_port  = flag.Int("port", 4242, "Hop server TCP port")
	f_snap  = flag.Int("snaplen", 65535, "snapshot length")
)

// streamBuf accumulates payload bytes per (srcport,dstport) direction so
// that frames split across multiple TCP segments can still be decoded.
type streamBuf struct {
	buf []byte
}

func main() {
	flag.Parse()

	handle, err := pcap.OpenLive(*f_iface, int32(*f_snap), true, pcap.BlockForever)
	if err != nil {
		hoplog.Fatal("open %s: %v", *f_iface, err)
	}
	defer handle.Close()

	filter := fmt.Sprintf("tcp port %d", *f_port)
	if err := handle.SetBPFFilter(filter); err != nil {
		hoplog.Fatal("set filter %q: %v", filter, err)
	}

	streams := map[string]*streamBuf{}

	src := gopacket.NewPacketSource(handle, handle.LinkType())
	for packet := range src.Packets() {
		tcpLayer := packet.Layer(layers.LayerTypeTCP)
		if tcpLayer == nil {
			continue
		}
		tcp, _ := tcpLayer.(*layers.TCP)
		if len(tcp.Payload) == 0 {
			continue
		}

		key := fmt.Sprintf("%d->%d", tcp.SrcPort, tcp.DstPort)
		sb, ok := streams[key]
		if !ok {
			sb = &streamBuf{}
			streams[key] = sb
		}
		sb.buf = append(sb.buf, tcp.Payload...)

		for {
			total, err := hop.FrameLen(sb.buf)
			if err != nil || len(sb.buf) < total {
				break
			}
			frame := sb.buf[:total]
			sb.buf = sb.buf[total:]

			msg, err := hop.Unpack(frame)
			if err != nil {
				hoplog.Error("%s: unpack: %v", key, err)
				continue
			}
			fmt.Printf("%s type=%d tag=%d key=%q version=%d\n", key, msg.Type, msg.Tag, msg.Key, msg.Version)
		}
	}
}
