package xmlrpc

import (
	"bytes"
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Values decode to the following Go types:
//
//	<i4>, <int>, <i8>      int
//	<boolean>              bool
//	<string>, untyped      string
//	<double>               float64
//	<dateTime.iso8601>     time.Time
//	<base64>               []byte
//	<array>                []interface{}
//	<struct>               map[string]interface{}
//	<nil/>                 nil
//
// Encoding accepts these types plus other integer and float kinds,
// slices, arrays and maps with string keys.

const iso8601 = "20060102T15:04:05"

type node struct {
	XMLName xml.Name
	Content string `xml:",chardata"`
	Nodes   []node `xml:",any"`
}

func (n *node) child(local string) (*node, bool) {
	for i := range n.Nodes {
		if n.Nodes[i].XMLName.Local == local {
			return &n.Nodes[i], true
		}
	}
	return nil, false
}

func decodeValue(v *node) (interface{}, error) {
	if v.XMLName.Local != "value" {
		return nil, errors.Errorf("expected <value>, got <%s>", v.XMLName.Local)
	}
	if len(v.Nodes) == 0 {
		return v.Content, nil
	}
	t := &v.Nodes[0]
	text := strings.TrimSpace(t.Content)
	switch t.XMLName.Local {
	case "i4", "int", "i8":
		i, err := strconv.ParseInt(text, 10, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid <%s>", t.XMLName.Local)
		}
		return int(i), nil
	case "boolean":
		switch text {
		case "1", "true":
			return true, nil
		case "0", "false":
			return false, nil
		}
		return nil, errors.Errorf("invalid <boolean> %q", text)
	case "string":
		return t.Content, nil
	case "double":
		f, err := strconv.ParseFloat(text, 64)
		if err != nil {
			return nil, errors.Wrap(err, "invalid <double>")
		}
		return f, nil
	case "dateTime.iso8601":
		tm, err := time.Parse(iso8601, text)
		if err != nil {
			return nil, errors.Wrap(err, "invalid <dateTime.iso8601>")
		}
		return tm, nil
	case "base64":
		b, err := base64.StdEncoding.DecodeString(text)
		if err != nil {
			return nil, errors.Wrap(err, "invalid <base64>")
		}
		return b, nil
	case "nil":
		return nil, nil
	case "array":
		data, ok := t.child("data")
		if !ok {
			return nil, errors.New("<array> without <data>")
		}
		arr := make([]interface{}, 0, len(data.Nodes))
		for i := range data.Nodes {
			e, err := decodeValue(&data.Nodes[i])
			if err != nil {
				return nil, errors.Wrapf(err, "array element %d", i)
			}
			arr = append(arr, e)
		}
		return arr, nil
	case "struct":
		m := make(map[string]interface{}, len(t.Nodes))
		for i := range t.Nodes {
			member := &t.Nodes[i]
			name, ok := member.child("name")
			if !ok {
				return nil, errors.New("struct member without <name>")
			}
			val, ok := member.child("value")
			if !ok {
				return nil, errors.Errorf("struct member %q without <value>", name.Content)
			}
			e, err := decodeValue(val)
			if err != nil {
				return nil, errors.Wrapf(err, "struct member %q", name.Content)
			}
			m[name.Content] = e
		}
		return m, nil
	default:
		return nil, errors.Errorf("unknown value type <%s>", t.XMLName.Local)
	}
}

func escape(buf *bytes.Buffer, s string) {
	_ = xml.EscapeText(buf, []byte(s))
}

func encodeValue(buf *bytes.Buffer, v interface{}) error {
	buf.WriteString("<value>")
	defer buf.WriteString("</value>")

	switch v := v.(type) {
	case nil:
		buf.WriteString("<nil/>")
	case string:
		buf.WriteString("<string>")
		escape(buf, v)
		buf.WriteString("</string>")
	case bool:
		if v {
			buf.WriteString("<boolean>1</boolean>")
		} else {
			buf.WriteString("<boolean>0</boolean>")
		}
	case []byte:
		buf.WriteString("<base64>")
		buf.WriteString(base64.StdEncoding.EncodeToString(v))
		buf.WriteString("</base64>")
	case time.Time:
		fmt.Fprintf(buf, "<dateTime.iso8601>%s</dateTime.iso8601>", v.Format(iso8601))
	case []interface{}:
		buf.WriteString("<array><data>")
		for i, e := range v {
			if err := encodeValue(buf, e); err != nil {
				return errors.Wrapf(err, "array element %d", i)
			}
		}
		buf.WriteString("</data></array>")
	case map[string]interface{}:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteString("<struct>")
		for _, k := range keys {
			buf.WriteString("<member><name>")
			escape(buf, k)
			buf.WriteString("</name>")
			if err := encodeValue(buf, v[k]); err != nil {
				return errors.Wrapf(err, "struct member %q", k)
			}
			buf.WriteString("</member>")
		}
		buf.WriteString("</struct>")
	default:
		return encodeReflect(buf, reflect.ValueOf(v))
	}
	return nil
}

func encodeReflect(buf *bytes.Buffer, rv reflect.Value) error {
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		i := rv.Int()
		if i < math.MinInt32 || i > math.MaxInt32 {
			fmt.Fprintf(buf, "<i8>%d</i8>", i)
		} else {
			fmt.Fprintf(buf, "<int>%d</int>", i)
		}
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u := rv.Uint()
		if u > math.MaxInt32 {
			if u > math.MaxInt64 {
				return errors.Errorf("unsigned value %d overflows <i8>", u)
			}
			fmt.Fprintf(buf, "<i8>%d</i8>", u)
		} else {
			fmt.Fprintf(buf, "<int>%d</int>", u)
		}
	case reflect.Float32, reflect.Float64:
		buf.WriteString("<double>")
		buf.WriteString(strconv.FormatFloat(rv.Float(), 'f', -1, 64))
		buf.WriteString("</double>")
	case reflect.String:
		return encodeValueInner(buf, rv.String())
	case reflect.Bool:
		return encodeValueInner(buf, rv.Bool())
	case reflect.Slice, reflect.Array:
		arr := make([]interface{}, rv.Len())
		for i := range arr {
			arr[i] = rv.Index(i).Interface()
		}
		return encodeValueInner(buf, arr)
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return errors.Errorf("cannot encode map with key type %s", rv.Type().Key())
		}
		m := make(map[string]interface{}, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			m[iter.Key().String()] = iter.Value().Interface()
		}
		return encodeValueInner(buf, m)
	case reflect.Ptr, reflect.Interface:
		if rv.IsNil() {
			buf.WriteString("<nil/>")
			return nil
		}
		return encodeReflect(buf, rv.Elem())
	default:
		return errors.Errorf("cannot encode value of type %s", rv.Type())
	}
	return nil
}

// encodeValueInner encodes v without the surrounding <value> tags.
func encodeValueInner(buf *bytes.Buffer, v interface{}) error {
	var inner bytes.Buffer
	if err := encodeValue(&inner, v); err != nil {
		return err
	}
	b := inner.Bytes()
	buf.Write(b[len("<value>") : len(b)-len("</value>")])
	return nil
}

// AsInt converts a decoded numeric value to int.
func AsInt(v interface{}) (int, bool) {
	switch v := v.(type) {
	case int:
		return v, true
	case int32:
		return int(v), true
	case int64:
		return int(v), true
	case float64:
		if v == math.Trunc(v) {
			return int(v), true
		}
	}
	return 0, false
}

func AsString(v interface{}) (string, bool) {
	s, ok := v.(string)
	return s, ok
}

func AsArray(v interface{}) ([]interface{}, bool) {
	a, ok := v.([]interface{})
	return a, ok
}

// AsStrings converts an array of strings.
func AsStrings(v interface{}) ([]string, bool) {
	a, ok := AsArray(v)
	if !ok {
		return nil, false
	}
	out := make([]string, len(a))
	for i := range a {
		if out[i], ok = a[i].(string); !ok {
			return nil, false
		}
	}
	return out, true
}
