// Copyright (c) 2016-2019 Uber Technologies, Inc.
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
package bencode

import (
	"fmt"
	"io"
	"reflect"
	"sort"
	"strconv"
)

// Encoder encodes values to a bencoded stream.
type Encoder struct {
	w interface {
		io.Writer
		Flush() error
	}
}

// Encode writes the bencode encoding of v to the stream.
func (e *Encoder) Encode(v interface{}) error {
	if err := e.encodeValue(reflect.ValueOf(v)); err != nil {
		return err
	}
	return e.w.Flush()
}

func (e *Encoder) encodeValue(v reflect.Value) error {
	if !v.IsValid() {
		return nil
	}

	if m, ok := marshalerOf(v); ok {
		b, err := m.MarshalBencode()
		if err != nil {
			return &MarshalerError{v.Type(), err}
		}
		_, err = e.w.Write(b)
		return err
	}

	switch v.Kind() {
	case reflect.Ptr, reflect.Interface:
		if v.IsNil() {
			return e.encodeValue(reflect.ValueOf(""))
		}
		return e.encodeValue(v.Elem())
	case reflect.String:
		return e.encodeString(v.String())
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return e.encodeInt(strconv.FormatInt(v.Int(), 10))
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return e.encodeInt(strconv.FormatUint(v.Uint(), 10))
	case reflect.Bool:
		if v.Bool() {
			return e.encodeInt("1")
		}
		return e.encodeInt("0")
	case reflect.Slice:
		if v.Type().Elem().Kind() == reflect.Uint8 {
			return e.encodeBytes(v.Bytes())
		}
		return e.encodeList(v)
	case reflect.Array:
		if v.Type().Elem().Kind() == reflect.Uint8 {
			b := make([]byte, v.Len())
			reflect.Copy(reflect.ValueOf(b), v)
			return e.encodeBytes(b)
		}
		return e.encodeList(v)
	case reflect.Map:
		return e.encodeMap(v)
	case reflect.Struct:
		return e.encodeStruct(v)
	default:
		return &MarshalTypeError{v.Type()}
	}
}

func marshalerOf(v reflect.Value) (Marshaler, bool) {
	if !v.IsValid() {
		return nil, false
	}
	if m, ok := v.Interface().(Marshaler); ok {
		return m, true
	}
	if v.CanAddr() {
		if m, ok := v.Addr().Interface().(Marshaler); ok {
			return m, true
		}
	}
	return nil, false
}

func (e *Encoder) encodeString(s string) error {
	if _, err := fmt.Fprintf(e.w, "%d:", len(s)); err != nil {
		return err
	}
	_, err := io.WriteString(e.w, s)
	return err
}

func (e *Encoder) encodeBytes(b []byte) error {
	if _, err := fmt.Fprintf(e.w, "%d:", len(b)); err != nil {
		return err
	}
	_, err := e.w.Write(b)
	return err
}

func (e *Encoder) encodeInt(s string) error {
	_, err := fmt.Fprintf(e.w, "i%se", s)
	return err
}

func (e *Encoder) encodeList(v reflect.Value) error {
	if _, err := io.WriteString(e.w, "l"); err != nil {
		return err
	}
	for i := 0; i < v.Len(); i++ {
		if err := e.encodeValue(v.Index(i)); err != nil {
			return err
		}
	}
	_, err := io.WriteString(e.w, "e")
	return err
}

func (e *Encoder) encodeMap(v reflect.Value) error {
	if v.Type().Key().Kind() != reflect.String {
		return &MarshalTypeError{v.Type()}
	}
	if _, err := io.WriteString(e.w, "d"); err != nil {
		return err
	}
	keys := v.MapKeys()
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	for _, k := range keys {
		if err := e.encodeString(k.String()); err != nil {
			return err
		}
		if err := e.encodeValue(v.MapIndex(k)); err != nil {
			return err
		}
	}
	_, err := io.WriteString(e.w, "e")
	return err
}

type structField struct {
	name  string
	value reflect.Value
}

func (e *Encoder) encodeStruct(v reflect.Value) error {
	if _, err := io.WriteString(e.w, "d"); err != nil {
		return err
	}

	t := v.Type()
	fields := make([]structField, 0, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if f.PkgPath != "" && !f.Anonymous {
			continue // unexported
		}
		tag := f.Tag.Get("bencode")
		if tag == "-" {
			continue
		}
		name, opts := parseTag(tag)
		if name == "" {
			name = f.Name
		}
		fv := v.Field(i)
		if opts.contains("omitempty") && isEmptyValue(fv) {
			continue
		}
		fields = append(fields, structField{name, fv})
	}
	sort.Slice(fields, func(i, j int) bool { return fields[i].name < fields[j].name })

	for _, f := range fields {
		if err := e.encodeString(f.name); err != nil {
			return err
		}
		if err := e.encodeValue(f.value); err != nil {
			return err
		}
	}

	_, err := io.WriteString(e.w, "e")
	return err
}

func isEmptyValue(v reflect.Value) bool {
	switch v.Kind() {
	case reflect.Array, reflect.Map, reflect.Slice, reflect.String:
		return v.Len() == 0
	case reflect.Bool:
		return !v.Bool()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return v.Int() == 0
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return v.Uint() == 0
	case reflect.Interface, reflect.Ptr:
		return v.IsNil()
	}
	return false
}
