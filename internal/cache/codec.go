package cache

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/vmihailenco/msgpack/v5"
)

// Codec 将条目序列化为字节，供文件、bigcache、redis 与 sqlite 后端共用。
type Codec interface {
	Name() string
	Encode(rec Record) ([]byte, error)
	Decode(b []byte) (Record, error)
}

// Record 是条目在存储介质中的形态，携带 key 以便 Keys() 无需额外索引。
type Record struct {
	Key      string              `msgpack:"key" cbor:"1,keyasint"`
	Status   int                 `msgpack:"status" cbor:"2,keyasint"`
	Header   map[string][]string `msgpack:"header" cbor:"3,keyasint"`
	Body     []byte              `msgpack:"body" cbor:"4,keyasint"`
	URL      string              `msgpack:"url" cbor:"5,keyasint"`
	StoredAt time.Time           `msgpack:"stored_at" cbor:"6,keyasint"`
}

func newRecord(key RequestKey, resp *Response) Record {
	return Record{
		Key:      key.String(),
		Status:   resp.Status,
		Header:   map[string][]string(resp.Header.Clone()),
		Body:     resp.Body,
		URL:      resp.URL,
		StoredAt: resp.StoredAt,
	}
}

// Response 还原为可返回给调用方的响应。
func (r Record) Response() *Response {
	return &Response{
		Status:   r.Status,
		Header:   http.Header(r.Header),
		Body:     r.Body,
		URL:      r.URL,
		StoredAt: r.StoredAt,
	}
}

// RequestKey 解析记录中的 key。
func (r Record) RequestKey() (RequestKey, error) {
	return ParseRequestKey(r.Key)
}

// NewCodec 根据名称返回编码器，支持 msgpack（默认）与 cbor。
func NewCodec(name string) (Codec, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "msgpack":
		return MsgpackCodec{}, nil
	case "cbor":
		return NewCBORCodec()
	default:
		return nil, fmt.Errorf("unsupported codec %q", name)
	}
}

// MsgpackCodec 使用 vmihailenco/msgpack 编码，零值可直接使用。
type MsgpackCodec struct{}

func (MsgpackCodec) Name() string { return "msgpack" }

func (MsgpackCodec) Encode(rec Record) ([]byte, error) {
	return msgpack.Marshal(rec)
}

func (MsgpackCodec) Decode(b []byte) (Record, error) {
	var rec Record
	err := msgpack.Unmarshal(b, &rec)
	return rec, err
}

// CBORCodec 使用确定性编码，时间字段按 RFC3339Nano 输出。
type CBORCodec struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

// NewCBORCodec 构造 CBOR 编码器。
func NewCBORCodec() (CBORCodec, error) {
	eo := cbor.CoreDetEncOptions()
	eo.Time = cbor.TimeRFC3339Nano
	em, err := eo.EncMode()
	if err != nil {
		return CBORCodec{}, err
	}
	dm, err := (cbor.DecOptions{}).DecMode()
	if err != nil {
		return CBORCodec{}, err
	}
	return CBORCodec{enc: em, dec: dm}, nil
}

func (CBORCodec) Name() string { return "cbor" }

func (c CBORCodec) Encode(rec Record) ([]byte, error) {
	return c.enc.Marshal(rec)
}

func (c CBORCodec) Decode(b []byte) (Record, error) {
	var rec Record
	err := c.dec.Unmarshal(b, &rec)
	return rec, err
}
