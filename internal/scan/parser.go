package scan

import (
	"encoding/xml"
	"fmt"
	"io"
	"strconv"
)

// XML shapes for the scanner's -oX report. Only the attributes the
// pipeline consumes are mapped; everything else is ignored by the
// decoder.
type xmlHost struct {
	Status    xmlStatus     `xml:"status"`
	Addresses []xmlAddress  `xml:"address"`
	Hostnames []xmlHostname `xml:"hostnames>hostname"`
	Ports     []xmlPort     `xml:"ports>port"`
	OSMatches []xmlOSMatch  `xml:"os>osmatch"`
	Times     *xmlTimes     `xml:"times"`
	Distance  *xmlDistance  `xml:"distance"`
	Uptime    *xmlUptime    `xml:"uptime"`
}

type xmlStatus struct {
	State string `xml:"state,attr"`
}

type xmlAddress struct {
	Addr     string `xml:"addr,attr"`
	AddrType string `xml:"addrtype,attr"`
	Vendor   string `xml:"vendor,attr"`
}

type xmlHostname struct {
	Name string `xml:"name,attr"`
}

type xmlPort struct {
	Protocol string      `xml:"protocol,attr"`
	PortID   int         `xml:"portid,attr"`
	State    xmlState    `xml:"state"`
	Service  *xmlService `xml:"service"`
}

type xmlState struct {
	State string `xml:"state,attr"`
}

type xmlService struct {
	Name    string `xml:"name,attr"`
	Product string `xml:"product,attr"`
	Version string `xml:"version,attr"`
}

type xmlOSMatch struct {
	Name     string `xml:"name,attr"`
	Accuracy int    `xml:"accuracy,attr"`
}

type xmlTimes struct {
	SRTT string `xml:"srtt,attr"`
}

type xmlDistance struct {
	Value int `xml:"value,attr"`
}

type xmlUptime struct {
	Seconds int64 `xml:"seconds,attr"`
}

type xmlTaskProgress struct {
	Task    string  `xml:"task,attr"`
	Percent float64 `xml:"percent,attr"`
}

// parseReport incrementally decodes a scanner XML report from r. Each
// completed <host> subtree yields events immediately; the report is
// never buffered whole. Unparseable fragments are reported as LogLine
// events and skipped. Returns the number of hosts that produced events.
func parseReport(r io.Reader, stage Stage, emit func(Event)) (int, error) {
	dec := xml.NewDecoder(r)
	hosts := 0

	for {
		tok, err := dec.Token()
		if err == io.EOF {
			return hosts, nil
		}
		if err != nil {
			// Torn stream: a killed scanner truncates the document.
			// Everything parsed so far has already been delivered.
			return hosts, fmt.Errorf("report stream: %w", err)
		}

		se, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}

		switch se.Name.Local {
		case "host":
			var h xmlHost
			if err := dec.DecodeElement(&h, &se); err != nil {
				emit(LogLine{Line: fmt.Sprintf("skipping unparseable host element: %v", err)})
				continue
			}
			if emitHost(&h, stage, emit) {
				hosts++
			}
		case "taskprogress":
			var tp xmlTaskProgress
			if err := dec.DecodeElement(&tp, &se); err != nil {
				continue
			}
			emit(ProgressTick{Stage: stage, Percent: tp.Percent, Message: tp.Task})
		}
	}
}

// emitHost converts one host subtree into events. Reports whether the
// host produced asset-bearing events (i.e. was up).
func emitHost(h *xmlHost, stage Stage, emit func(Event)) bool {
	ip := primaryIPv4(h.Addresses)
	if ip == "" {
		return false
	}

	if h.Status.State != "up" {
		if stage == StagePing {
			emit(HostDown{IP: ip})
		}
		return false
	}

	host := Host{IP: ip}
	for _, a := range h.Addresses {
		if a.AddrType == "mac" {
			host.MAC = a.Addr
			host.Vendor = a.Vendor
			break
		}
	}
	if len(h.Hostnames) > 0 {
		host.Hostname = h.Hostnames[0].Name
	}
	if h.Times != nil {
		if srtt, err := strconv.ParseInt(h.Times.SRTT, 10, 64); err == nil {
			host.SRTTMicros = srtt
		}
	}
	if h.Distance != nil {
		host.Distance = h.Distance.Value
	}
	if h.Uptime != nil {
		host.UptimeSeconds = h.Uptime.Seconds
	}

	emit(HostUp{Stage: stage, Host: host})

	for _, p := range h.Ports {
		ps := PortState{
			IP:       ip,
			Port:     p.PortID,
			Protocol: p.Protocol,
			State:    p.State.State,
		}
		if p.Service != nil {
			ps.Service = p.Service.Name
			ps.Product = p.Service.Product
			ps.Version = p.Service.Version
		}
		emit(ps)
	}

	for _, m := range h.OSMatches {
		emit(OSMatch{IP: ip, Name: m.Name, Accuracy: m.Accuracy})
	}
	return true
}

func primaryIPv4(addrs []xmlAddress) string {
	for _, a := range addrs {
		if a.AddrType == "ipv4" {
			return a.Addr
		}
	}
	return ""
}
