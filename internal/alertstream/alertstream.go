// Package alertstream decodes a Hikvision multipart/mixed alert stream
// into a sequence of normalized events.
package alertstream

import (
	"bufio"
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// ErrTransportClosed signals that too many consecutive parts failed to
// parse, forcing the caller (the supervisor) to treat the stream as dead
// and reconnect (§4.2: "a run of N consecutive bad parts").
var ErrTransportClosed = errors.New("alertstream: too many consecutive malformed parts")

// maxBadStreak is N in "N consecutive bad parts ⇒ reconnect" (§4.2).
const maxBadStreak = 16

// Event is one decoded, normalized Hikvision alert.
type Event struct {
	IPAddress string
	ChannelID int
	EventType string
	Active    bool
	Count     int
	Timestamp time.Time
	Raw       map[string]string
}

// Decoder lazily yields one Event per multipart part. It is not
// restartable: once Next returns a terminal error, the Decoder is done.
type Decoder struct {
	mr        *multipart.Reader
	badStreak int
}

// NewDecoder wraps body, framed by the given multipart boundary.
func NewDecoder(body io.Reader, boundary string) *Decoder {
	return &Decoder{mr: multipart.NewReader(body, boundary)}
}

// errSkipped marks a single malformed part that the caller should log and
// skip without tearing down the stream.
var errSkipped = errors.New("alertstream: malformed part skipped")

// IsSkipped reports whether err is the per-part "skip and continue" signal.
func IsSkipped(err error) bool {
	return errors.Is(err, errSkipped)
}

// Next returns the next decoded event, io.EOF on clean stream end,
// errSkipped (via IsSkipped) for a single malformed part, or
// ErrTransportClosed once maxBadStreak consecutive parts have failed.
func (d *Decoder) Next() (Event, error) {
	part, err := d.mr.NextPart()
	if err != nil {
		if err == io.EOF {
			return Event{}, io.EOF
		}
		return Event{}, fmt.Errorf("alertstream: read part: %w", err)
	}
	// Read only through the root element's end tag: the delimiter ending
	// this part arrives with the next event. NextPart discards the rest.
	var data bytes.Buffer
	dec := xml.NewDecoder(io.TeeReader(part, &data))
	for depth := 0; ; {
		tok, err := dec.Token()
		if err != nil {
			return d.skip(fmt.Errorf("alertstream: read part body: %w", err))
		}
		if _, ok := tok.(xml.StartElement); ok {
			depth++
		} else if _, ok := tok.(xml.EndElement); ok {
			if depth--; depth == 0 {
				break
			}
		}
	}

	evt, err := decodeEvent(data.Bytes())
	if err != nil {
		return d.skip(err)
	}

	d.badStreak = 0
	return evt, nil
}

func (d *Decoder) skip(cause error) (Event, error) {
	d.badStreak++
	if d.badStreak >= maxBadStreak {
		return Event{}, fmt.Errorf("%w (last cause: %v)", ErrTransportClosed, cause)
	}
	return Event{}, fmt.Errorf("%w: %v", errSkipped, cause)
}

// alertXML mirrors the fields of a Hikvision <EventNotificationAlert>
// document that we care about structurally; unrecognized elements are
// recovered separately into a raw attribute bag.
type alertXML struct {
	XMLName         xml.Name `xml:"EventNotificationAlert"`
	IPAddress       string   `xml:"ipAddress"`
	ChannelID       int      `xml:"channelID"`
	DynChannelID    int      `xml:"dynChannelID"`
	EventType       string   `xml:"eventType"`
	EventState      string   `xml:"eventState"`
	ActivePostCount int      `xml:"activePostCount"`
	DateTime        string   `xml:"dateTime"`
}

func decodeEvent(data []byte) (Event, error) {
	cleaned := stripXMLNamespace(data)

	var alert alertXML
	if err := xml.Unmarshal(cleaned, &alert); err != nil {
		return Event{}, fmt.Errorf("alertstream: invalid XML: %w", err)
	}
	if alert.EventType == "" {
		return Event{}, fmt.Errorf("alertstream: missing eventType")
	}

	channelID := alert.ChannelID
	if channelID == 0 && alert.DynChannelID != 0 {
		channelID = alert.DynChannelID
	}

	active := inferActive(alert.EventState, alert.ActivePostCount)

	ts := parseTimestamp(alert.DateTime)

	return Event{
		IPAddress: alert.IPAddress,
		ChannelID: channelID,
		EventType: alert.EventType,
		Active:    active,
		Count:     alert.ActivePostCount,
		Timestamp: ts,
		Raw:       rawAttributes(cleaned),
	}, nil
}

// inferActive implements §4.2's permissive rule: a present eventState
// wins; an absent one is active when activePostCount >= 1.
func inferActive(eventState string, activePostCount int) bool {
	switch strings.ToLower(strings.TrimSpace(eventState)) {
	case "active":
		return true
	case "inactive":
		return false
	default:
		return activePostCount >= 1
	}
}

func parseTimestamp(s string) time.Time {
	if s == "" {
		return time.Now().UTC()
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC()
	}
	return time.Now().UTC()
}

var nsPrefixRx = regexp.MustCompile(`<(/?)\w+:`)

// stripXMLNamespace removes simple "<ns:Tag>" prefixes some firmwares
// emit, mirroring the teacher's line-scanning approach.
func stripXMLNamespace(b []byte) []byte {
	scanner := bufio.NewScanner(bytes.NewReader(b))
	scanner.Buffer(make([]byte, 0, len(b)+1), len(b)+1)
	var out bytes.Buffer
	for scanner.Scan() {
		line := nsPrefixRx.ReplaceAllString(scanner.Text(), "<$1")
		out.WriteString(line)
		out.WriteByte('\n')
	}
	if out.Len() == 0 {
		return b
	}
	return out.Bytes()
}

// rawAttributes does a second, permissive pass over the document and
// captures every leaf element's text verbatim, so callers can recover
// vendor-specific fields the typed struct above doesn't know about
// (§3: "raw attribute bag preserved verbatim").
func rawAttributes(data []byte) map[string]string {
	out := make(map[string]string)
	dec := xml.NewDecoder(bytes.NewReader(data))

	var path []string
	var textBuf strings.Builder
	for {
		tok, err := dec.Token()
		if err != nil {
			break
		}
		switch t := tok.(type) {
		case xml.StartElement:
			path = append(path, t.Name.Local)
			textBuf.Reset()
		case xml.CharData:
			textBuf.Write(t)
		case xml.EndElement:
			if len(path) > 0 {
				key := path[len(path)-1]
				if v := strings.TrimSpace(textBuf.String()); v != "" {
					out[key] = v
				}
				path = path[:len(path)-1]
			}
			textBuf.Reset()
		}
	}
	return out
}

// ChannelFromRaw is a convenience for callers that want the numeric
// channel id straight out of the raw bag.
func ChannelFromRaw(raw map[string]string) (int, bool) {
	v, ok := raw["channelID"]
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}
