package msg

import (
	"fmt"
	"io"
	"net/mail"
	"sort"
	"strings"
	"time"

	"github.com/richardlehane/mscfb"

	"github.com/dhcgn/mail-extract/model"
	"github.com/dhcgn/mail-extract/render"
)

// node mirrors one storage or stream of the compound file.
type node struct {
	name     string
	data     []byte
	children map[string]*node
}

func newNode(name string) *node {
	return &node{name: name, children: make(map[string]*node)}
}

func (n *node) child(name string) *node {
	c, ok := n.children[name]
	if !ok {
		c = newNode(name)
		n.children[name] = c
	}
	return c
}

// sortedChildren returns children whose name starts with prefix, ordered by name.
func (n *node) sortedChildren(prefix string) []*node {
	var out []*node
	for name, c := range n.children {
		if strings.HasPrefix(name, prefix) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

// Parse reads a compound document and decodes the message it holds.
func Parse(r io.ReaderAt) (*Message, error) {
	doc, err := mscfb.New(r)
	if err != nil {
		return nil, fmt.Errorf("open compound file: %w", err)
	}

	root := newNode("")
	for entry, err := doc.Next(); err != io.EOF; entry, err = doc.Next() {
		if err != nil {
			return nil, fmt.Errorf("read compound entry: %w", err)
		}
		// the root storage itself is never returned; Path starts below it
		n := root
		for _, p := range entry.Path {
			n = n.child(p)
		}
		n = n.child(entry.Name)
		if entry.Size > 0 {
			data, err := io.ReadAll(entry)
			if err != nil {
				return nil, fmt.Errorf("read stream %s: %w", entry.Name, err)
			}
			n.data = data
		}
	}
	return decodeMessage(root, headerTopLevel)
}

func readProperties(n *node, headerLen int) propertySet {
	set := propertySet{variable: make(map[uint16]property)}
	for name, c := range n.children {
		id, typ, ok := parseStreamName(name)
		if !ok || typ == typeObject {
			continue
		}
		set.variable[id] = property{typ: typ, data: c.data}
	}
	if fixed, ok := n.children[propertiesStream]; ok {
		set.fixed = parseFixed(fixed.data, headerLen)
	}
	return set
}

func decodeMessage(n *node, headerLen int) (*Message, error) {
	props := readProperties(n, headerLen)
	if len(props.variable) == 0 {
		return nil, ErrNotMessage
	}

	m := &Message{
		Envelope: decodeEnvelope(n, props),
		Body: model.Body{
			HTML: props.Bytes(propBodyHTML),
			Text: render.CleanText(props.String(propBody)),
		},
	}

	for _, an := range n.sortedChildren(attachPrefix) {
		m.Attachments = append(m.Attachments, decodeAttachment(an))
	}
	return m, nil
}

func decodeAttachment(n *node) *Attachment {
	props := readProperties(n, headerChild)
	att := &Attachment{
		LongName:    render.CleanText(props.String(propAttachLongName)),
		ShortName:   render.CleanText(props.String(propAttachFilename)),
		DisplayName: render.CleanText(props.String(propDisplayName)),
		MIMEType:    render.CleanText(props.String(propAttachMIMETag)),
		ContentID:   render.CleanText(props.String(propAttachContentID)),
	}

	objectName := fmt.Sprintf("%s%04X%04X", streamPrefix, propAttachData, typeObject)
	if obj, ok := n.children[objectName]; ok {
		if embedded, err := decodeMessage(obj, headerEmbedded); err == nil {
			att.Embedded = embedded
			return att
		}
	}
	if prop, ok := props.variable[propAttachData]; ok && prop.typ == typeBinary {
		att.Data = prop.data
	}
	return att
}

func decodeEnvelope(n *node, props propertySet) model.Envelope {
	env := model.Envelope{
		From:    sender(props),
		To:      render.CleanText(props.String(propDisplayTo)),
		Cc:      render.CleanText(props.String(propDisplayCc)),
		Bcc:     render.CleanText(props.String(propDisplayBcc)),
		Subject: render.CleanText(props.String(propSubject)),
		Date:    messageDate(props),
	}

	to, cc, bcc := recipients(n)
	if to != "" {
		env.To = to
	}
	if cc != "" {
		env.Cc = cc
	}
	if bcc != "" {
		env.Bcc = bcc
	}
	return env
}

func sender(props propertySet) string {
	name := render.CleanText(props.String(propSenderName))
	addr := render.CleanText(props.String(propSenderSMTP))
	if addr == "" {
		addr = render.CleanText(props.String(propSenderEmail))
	}
	return formatAddress(name, addr)
}

func formatAddress(name, addr string) string {
	switch {
	case name == "":
		return addr
	case addr == "" || !strings.Contains(addr, "@") || name == addr:
		return name
	default:
		return fmt.Sprintf("%s <%s>", name, addr)
	}
}

// recipients rebuilds the To, Cc and Bcc lists from the recipient table.
func recipients(n *node) (to, cc, bcc string) {
	var lists [4][]string
	for _, rn := range n.sortedChildren(recipPrefix) {
		props := readProperties(rn, headerChild)
		kind, ok := props.Int(propRecipientType)
		if !ok || kind < 1 || kind > 3 {
			kind = 1
		}
		addr := render.CleanText(props.String(propSMTPAddress))
		if addr == "" {
			addr = render.CleanText(props.String(propEmailAddress))
		}
		entry := formatAddress(render.CleanText(props.String(propDisplayName)), addr)
		if entry != "" {
			lists[kind] = append(lists[kind], entry)
		}
	}
	return strings.Join(lists[1], "; "), strings.Join(lists[2], "; "), strings.Join(lists[3], "; ")
}

func messageDate(props propertySet) string {
	if t, ok := props.Time(propClientSubmitTime); ok {
		return t.Format(time.RFC1123Z)
	}
	if t, ok := props.Time(propDeliveryTime); ok {
		return t.Format(time.RFC1123Z)
	}
	headers := props.String(propTransportHeaders)
	if headers == "" {
		return ""
	}
	msg, err := mail.ReadMessage(strings.NewReader(headers + "\r\n\r\n"))
	if err != nil {
		return ""
	}
	return render.CleanText(msg.Header.Get("Date"))
}
