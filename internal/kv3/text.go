package kv3

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// textEncodingGUID is the encoding GUID printed in the text header.
const textEncodingGUID = "e21c7f3c-8a33-41c5-9977-a76d3a32aa0d"

// WriteText writes f in KV3 text syntax.
func (f *File) WriteText(w io.Writer) error {
	bw := bufio.NewWriter(w)
	format := f.Header.Format
	if f.Header.Version == 0 {
		format = FormatGeneric
	}
	fmt.Fprintf(bw, "<!-- kv3 encoding:text:version{%s} format:generic:version{%s} -->\n", textEncodingGUID, GUIDString(format))
	writeText(bw, f.Root, 0)
	bw.WriteByte('\n')
	return bw.Flush()
}

// String renders v in KV3 text syntax without a header.
func (v *Value) String() string {
	var sb strings.Builder
	bw := bufio.NewWriter(&sb)
	writeText(bw, v, 0)
	bw.Flush()
	return sb.String()
}

func indent(w *bufio.Writer, depth int) {
	for range depth {
		w.WriteByte('\t')
	}
}

func writeText(w *bufio.Writer, v *Value, depth int) {
	if v == nil {
		w.WriteString("null")
		return
	}
	if v.Flag != FlagNone {
		w.WriteString(v.Flag.String())
		w.WriteByte(':')
	}

	switch v.Kind {
	case KindNull:
		w.WriteString("null")
	case KindBool:
		w.WriteString(strconv.FormatBool(v.Bool))
	case KindInt:
		w.WriteString(strconv.FormatInt(v.Int, 10))
	case KindUint:
		w.WriteString(strconv.FormatUint(v.Uint, 10))
	case KindDouble:
		w.WriteString(strconv.FormatFloat(v.Double, 'f', -1, 64))
	case KindString:
		if strings.Contains(v.Str, "\n") {
			w.WriteString(`"""`)
			w.WriteByte('\n')
			w.WriteString(v.Str)
			w.WriteByte('\n')
			w.WriteString(`"""`)
			break
		}
		w.WriteString(strconv.Quote(v.Str))
	case KindBlob:
		w.WriteString("#[")
		for i, b := range v.Blob {
			if i%32 == 0 {
				w.WriteByte('\n')
				indent(w, depth+1)
			} else {
				w.WriteByte(' ')
			}
			fmt.Fprintf(w, "%02X", b)
		}
		w.WriteByte('\n')
		indent(w, depth)
		w.WriteByte(']')
	case KindArray:
		w.WriteByte('[')
		w.WriteByte('\n')
		for _, e := range v.Elems {
			indent(w, depth+1)
			writeText(w, e, depth+1)
			w.WriteString(",\n")
		}
		indent(w, depth)
		w.WriteByte(']')
	case KindObject:
		w.WriteByte('{')
		w.WriteByte('\n')
		for _, m := range v.Members {
			indent(w, depth+1)
			w.WriteString(textKey(m.Name))
			w.WriteString(" = ")
			writeText(w, m.Value, depth+1)
			w.WriteByte('\n')
		}
		indent(w, depth)
		w.WriteByte('}')
	}
}

// textKey quotes names that are not plain identifiers.
func textKey(name string) string {
	if name == "" {
		return `""`
	}
	for i, r := range name {
		ident := r == '_' || r == '.' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (i > 0 && r >= '0' && r <= '9')
		if !ident {
			return strconv.Quote(name)
		}
	}
	return name
}
