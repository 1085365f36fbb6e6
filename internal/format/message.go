package format

import (
	"bytes"
	"fmt"
	"io"
	"time"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"

	"github.com/nhle/kolab-storage/internal/model"
)

// PayloadFilename is the attachment name of the Kolab payload part.
const PayloadFilename = "kolab.xml"

const explanation = "This is a Kolab Groupware object. To view this object you\r\n" +
	"will need an email client that understands the Kolab Groupware\r\n" +
	"format. For a list of such email clients please visit\r\n" +
	"http://www.kolab.org/content/kolab-clients\r\n"

// Compose builds the message stored for obj and returns it together
// with the object's uid.
//
// In raw mode obj[model.FieldContent] ([]byte, string or io.Reader) is
// stored verbatim as the payload. Otherwise the fields are encoded with
// f. Objects without a uid get one derived from their payload.
func Compose(f Format, obj model.Object, raw bool, now time.Time) (string, []byte, error) {
	uid := obj.UID()

	var payload []byte
	var err error
	if raw {
		payload, err = rawContent(obj[model.FieldContent])
		if err != nil {
			return "", nil, err
		}
		if uid == "" {
			if decoded, derr := f.Decode(bytes.NewReader(payload)); derr == nil {
				uid = decoded.UID()
			}
		}
		if uid == "" {
			uid = DeriveUID(f.Type(), payload)
		}
	} else {
		if uid == "" {
			unnamed, err := f.Encode(obj)
			if err != nil {
				return "", nil, fmt.Errorf("encoding %s object: %w", f.Type(), err)
			}
			uid = DeriveUID(f.Type(), unnamed)
			obj = obj.Clone()
			obj[model.FieldUID] = uid
		}
		payload, err = f.Encode(obj)
		if err != nil {
			return "", nil, fmt.Errorf("encoding %s object %s: %w", f.Type(), uid, err)
		}
	}

	msg, err := writeMessage(f, uid, payload, now)
	if err != nil {
		return "", nil, fmt.Errorf("composing message for %s: %w", uid, err)
	}
	return uid, msg, nil
}

func rawContent(v any) ([]byte, error) {
	switch c := v.(type) {
	case []byte:
		return c, nil
	case string:
		return []byte(c), nil
	case io.Reader:
		b, err := io.ReadAll(c)
		if err != nil {
			return nil, fmt.Errorf("reading raw content: %w", err)
		}
		return b, nil
	case nil:
		return nil, &model.ValidationError{Field: model.FieldContent, Message: "raw content missing"}
	default:
		return nil, &model.ValidationError{
			Field:   model.FieldContent,
			Message: fmt.Sprintf("unsupported raw content type %T", v),
		}
	}
}

// writeMessage lays out the multipart/mixed message: a text/plain
// explanation as part 1 and the payload as part 2.
func writeMessage(f Format, uid string, payload []byte, now time.Time) ([]byte, error) {
	var h mail.Header
	h.SetDate(now)
	h.SetSubject(uid)
	h.SetAddressList("From", []*mail.Address{{Name: "Kolab Storage", Address: "kolab-storage@localhost"}})
	h.Set("MIME-Version", "1.0")
	h.Set("User-Agent", "kolabsync")
	h.Set("X-Kolab-Type", f.MIMEType())
	h.SetContentType("multipart/mixed", nil)

	var buf bytes.Buffer
	mw, err := message.CreateWriter(&buf, h.Header)
	if err != nil {
		return nil, err
	}

	var text message.Header
	text.SetContentType("text/plain", map[string]string{"charset": "utf-8"})
	text.Set("Content-Transfer-Encoding", "quoted-printable")
	if err := writePart(mw, text, []byte(explanation)); err != nil {
		return nil, err
	}

	var kolab message.Header
	kolab.SetContentType(f.MIMEType(), map[string]string{"name": PayloadFilename})
	kolab.SetContentDisposition("attachment", map[string]string{"filename": PayloadFilename})
	// base64 keeps the payload byte-exact; quoted-printable rewrites line ends.
	kolab.Set("Content-Transfer-Encoding", "base64")
	if err := writePart(mw, kolab, payload); err != nil {
		return nil, err
	}

	if err := mw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writePart(mw *message.Writer, h message.Header, body []byte) error {
	pw, err := mw.CreatePart(h)
	if err != nil {
		return err
	}
	if _, err := pw.Write(body); err != nil {
		pw.Close()
		return err
	}
	return pw.Close()
}
