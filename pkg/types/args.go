package types

// ============================================================================
// Args 的無損編碼
//
// structpb.Value 的數字只有 float64，因此整數、float32、[]byte 與具型別的
// slice / map 以單鍵 Struct 標記其 Go 型別：
//
//   {"@int64": "9007199254740993"}
//   {"@float32": "0.1"}
//   {"@[]float64": [0.1, 0.2]}
//   {"@map:int": {"a": {"@int": "1"}}}
//   {"@args": {...}}
//
// 使用者 map 若含 "@" 開頭的鍵，整個 map 包成 {"@map": {...}}。
// 具名的純量型別（例如 time.Duration）還原為其底層種類；其他型別
// （struct、指標等）以 JSON 形式保存。
// ============================================================================

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"

	"google.golang.org/protobuf/types/known/structpb"
)

const tagPrefix = "@"

// ErrUnsupportedValue 參數值無法編碼
var ErrUnsupportedValue = errors.New("unsupported argument value")

var valueTypes = map[string]reflect.Type{
	"bool":    reflect.TypeOf(false),
	"string":  reflect.TypeOf(""),
	"int":     reflect.TypeOf(int(0)),
	"int8":    reflect.TypeOf(int8(0)),
	"int16":   reflect.TypeOf(int16(0)),
	"int32":   reflect.TypeOf(int32(0)),
	"int64":   reflect.TypeOf(int64(0)),
	"uint":    reflect.TypeOf(uint(0)),
	"uint8":   reflect.TypeOf(uint8(0)),
	"uint16":  reflect.TypeOf(uint16(0)),
	"uint32":  reflect.TypeOf(uint32(0)),
	"uint64":  reflect.TypeOf(uint64(0)),
	"float32": reflect.TypeOf(float32(0)),
	"float64": reflect.TypeOf(float64(0)),
	"any":     reflect.TypeOf((*interface{})(nil)).Elem(),
	"map":     reflect.TypeOf(map[string]interface{}(nil)),
	"args":    reflect.TypeOf(Args(nil)),
}

// ArgsToStruct encodes a so that ArgsFromStruct returns a value with the
// same Go types. A nil a gives nil.
func ArgsToStruct(a Args) (*structpb.Struct, error) {
	if a == nil {
		return nil, nil
	}
	return structOf(a)
}

// ArgsFromStruct is the inverse of ArgsToStruct.
func ArgsFromStruct(st *structpb.Struct) (Args, error) {
	if st == nil {
		return nil, nil
	}
	v, err := fromStruct(st)
	if err != nil {
		return nil, err
	}
	m, ok := v.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("%w: top level is %T, not a map", ErrUnsupportedValue, v)
	}
	return Args(m), nil
}

// ============================================================================
// 編碼
// ============================================================================

func structOf(m map[string]interface{}) (*structpb.Struct, error) {
	fields := make(map[string]*structpb.Value, len(m))
	reserved := false
	for k, v := range m {
		if strings.HasPrefix(k, tagPrefix) {
			reserved = true
		}
		val, err := valueOf(v)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", k, err)
		}
		fields[k] = val
	}
	st := &structpb.Struct{Fields: fields}
	if reserved {
		return &structpb.Struct{Fields: map[string]*structpb.Value{
			tagPrefix + "map": structpb.NewStructValue(st),
		}}, nil
	}
	return st, nil
}

func tagged(name string, v *structpb.Value) *structpb.Value {
	return structpb.NewStructValue(&structpb.Struct{Fields: map[string]*structpb.Value{tagPrefix + name: v}})
}

func valueOf(v interface{}) (*structpb.Value, error) {
	switch x := v.(type) {
	case nil:
		return structpb.NewNullValue(), nil
	case bool:
		return structpb.NewBoolValue(x), nil
	case string:
		return structpb.NewStringValue(x), nil
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return tagged("float64", structpb.NewStringValue(strconv.FormatFloat(x, 'g', -1, 64))), nil
		}
		return structpb.NewNumberValue(x), nil
	case []byte:
		if x == nil {
			return tagged("bytes", structpb.NewNullValue()), nil
		}
		return tagged("bytes", structpb.NewStringValue(base64.StdEncoding.EncodeToString(x))), nil
	case Args:
		if x == nil {
			return tagged("args", structpb.NewNullValue()), nil
		}
		st, err := structOf(x)
		if err != nil {
			return nil, err
		}
		return tagged("args", structpb.NewStructValue(st)), nil
	case map[string]interface{}:
		if x == nil {
			return tagged("map", structpb.NewNullValue()), nil
		}
		st, err := structOf(x)
		if err != nil {
			return nil, err
		}
		return structpb.NewStructValue(st), nil
	case []interface{}:
		if x == nil {
			return tagged("[]any", structpb.NewNullValue()), nil
		}
		list, err := listOf(reflect.ValueOf(x))
		if err != nil {
			return nil, err
		}
		return structpb.NewListValue(list), nil
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Bool:
		return structpb.NewBoolValue(rv.Bool()), nil
	case reflect.String:
		return structpb.NewStringValue(rv.String()), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return tagged(rv.Kind().String(), structpb.NewStringValue(strconv.FormatInt(rv.Int(), 10))), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return tagged(rv.Kind().String(), structpb.NewStringValue(strconv.FormatUint(rv.Uint(), 10))), nil
	case reflect.Float32:
		return tagged("float32", structpb.NewStringValue(strconv.FormatFloat(rv.Float(), 'g', -1, 32))), nil
	case reflect.Float64:
		return valueOf(rv.Float())
	case reflect.Slice:
		if name, ok := typeName(rv.Type()); ok {
			if rv.IsNil() {
				return tagged(name, structpb.NewNullValue()), nil
			}
			list, err := listOf(rv)
			if err != nil {
				return nil, err
			}
			return tagged(name, structpb.NewListValue(list)), nil
		}
	case reflect.Map:
		if name, ok := typeName(rv.Type()); ok {
			if rv.IsNil() {
				return tagged(name, structpb.NewNullValue()), nil
			}
			fields := make(map[string]*structpb.Value, rv.Len())
			iter := rv.MapRange()
			for iter.Next() {
				val, err := valueOf(iter.Value().Interface())
				if err != nil {
					return nil, fmt.Errorf("%s: %w", iter.Key().String(), err)
				}
				fields[iter.Key().String()] = val
			}
			return tagged(name, structpb.NewStructValue(&structpb.Struct{Fields: fields})), nil
		}
	}
	return jsonValue(v)
}

func listOf(rv reflect.Value) (*structpb.ListValue, error) {
	values := make([]*structpb.Value, rv.Len())
	for i := range values {
		val, err := valueOf(rv.Index(i).Interface())
		if err != nil {
			return nil, fmt.Errorf("[%d]: %w", i, err)
		}
		values[i] = val
	}
	return &structpb.ListValue{Values: values}, nil
}

// jsonValue 保存其他型別的 JSON 形式
func jsonValue(v interface{}) (*structpb.Value, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %T: %v", ErrUnsupportedValue, v, err)
	}
	var generic interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("%w: %T: %v", ErrUnsupportedValue, v, err)
	}
	return valueOf(generic)
}

// typeName 回傳可還原的 slice / map 型別名稱，例如 "[]float64"、"map:int"
func typeName(t reflect.Type) (string, bool) {
	for name, vt := range valueTypes {
		if vt == t {
			return name, true
		}
	}
	switch t.Kind() {
	case reflect.Slice:
		elem, ok := typeName(t.Elem())
		return "[]" + elem, ok
	case reflect.Map:
		if t.Key() != valueTypes["string"] {
			return "", false
		}
		elem, ok := typeName(t.Elem())
		return "map:" + elem, ok
	}
	return "", false
}

func parseType(name string) (reflect.Type, bool) {
	switch {
	case strings.HasPrefix(name, "[]"):
		elem, ok := parseType(name[2:])
		if !ok {
			return nil, false
		}
		return reflect.SliceOf(elem), true
	case strings.HasPrefix(name, "map:"):
		elem, ok := parseType(name[4:])
		if !ok {
			return nil, false
		}
		return reflect.MapOf(valueTypes["string"], elem), true
	}
	t, ok := valueTypes[name]
	return t, ok
}

// ============================================================================
// 解碼
// ============================================================================

func fromValue(v *structpb.Value) (interface{}, error) {
	switch k := v.GetKind().(type) {
	case nil, *structpb.Value_NullValue:
		return nil, nil
	case *structpb.Value_BoolValue:
		return k.BoolValue, nil
	case *structpb.Value_StringValue:
		return k.StringValue, nil
	case *structpb.Value_NumberValue:
		return k.NumberValue, nil
	case *structpb.Value_ListValue:
		out := make([]interface{}, len(k.ListValue.GetValues()))
		for i, item := range k.ListValue.GetValues() {
			x, err := fromValue(item)
			if err != nil {
				return nil, err
			}
			out[i] = x
		}
		return out, nil
	case *structpb.Value_StructValue:
		return fromStruct(k.StructValue)
	}
	return nil, fmt.Errorf("%w: value kind %T", ErrUnsupportedValue, v.GetKind())
}

func fromStruct(st *structpb.Struct) (interface{}, error) {
	if len(st.GetFields()) == 1 {
		for key, inner := range st.GetFields() {
			if strings.HasPrefix(key, tagPrefix) {
				return untag(strings.TrimPrefix(key, tagPrefix), inner)
			}
		}
	}
	return fieldsOf(st)
}

func fieldsOf(st *structpb.Struct) (map[string]interface{}, error) {
	out := make(map[string]interface{}, len(st.GetFields()))
	for key, fv := range st.GetFields() {
		x, err := fromValue(fv)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", key, err)
		}
		out[key] = x
	}
	return out, nil
}

func untag(name string, v *structpb.Value) (interface{}, error) {
	_, isNull := v.GetKind().(*structpb.Value_NullValue)

	switch name {
	case "map":
		if isNull {
			return map[string]interface{}(nil), nil
		}
		return fieldsOf(v.GetStructValue())
	case "args":
		if isNull {
			return Args(nil), nil
		}
		inner, err := fromStruct(v.GetStructValue())
		if err != nil {
			return nil, err
		}
		m, ok := inner.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("%w: @args holds %T", ErrUnsupportedValue, inner)
		}
		return Args(m), nil
	case "bytes":
		if isNull {
			return []byte(nil), nil
		}
		return base64.StdEncoding.DecodeString(v.GetStringValue())
	case "float64":
		return strconv.ParseFloat(v.GetStringValue(), 64)
	case "float32":
		f, err := strconv.ParseFloat(v.GetStringValue(), 32)
		return float32(f), err
	}

	t, ok := parseType(name)
	if !ok {
		return nil, fmt.Errorf("%w: unknown tag %q", ErrUnsupportedValue, tagPrefix+name)
	}
	switch t.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(v.GetStringValue(), 10, t.Bits())
		if err != nil {
			return nil, err
		}
		out := reflect.New(t).Elem()
		out.SetInt(n)
		return out.Interface(), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n, err := strconv.ParseUint(v.GetStringValue(), 10, t.Bits())
		if err != nil {
			return nil, err
		}
		out := reflect.New(t).Elem()
		out.SetUint(n)
		return out.Interface(), nil
	case reflect.Slice:
		if isNull {
			return reflect.Zero(t).Interface(), nil
		}
		items := v.GetListValue().GetValues()
		out := reflect.MakeSlice(t, len(items), len(items))
		for i, item := range items {
			if err := assign(out.Index(i), item); err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
		}
		return out.Interface(), nil
	case reflect.Map:
		if isNull {
			return reflect.Zero(t).Interface(), nil
		}
		fields := v.GetStructValue().GetFields()
		out := reflect.MakeMapWithSize(t, len(fields))
		for key, item := range fields {
			elem := reflect.New(t.Elem()).Elem()
			if err := assign(elem, item); err != nil {
				return nil, fmt.Errorf("%s: %w", key, err)
			}
			out.SetMapIndex(reflect.ValueOf(key), elem)
		}
		return out.Interface(), nil
	}
	return nil, fmt.Errorf("%w: tag %q", ErrUnsupportedValue, tagPrefix+name)
}

// assign 把解碼後的值放進具型別的容器元素
func assign(dst reflect.Value, v *structpb.Value) error {
	x, err := fromValue(v)
	if err != nil {
		return err
	}
	if x == nil {
		dst.Set(reflect.Zero(dst.Type()))
		return nil
	}
	xv := reflect.ValueOf(x)
	if !xv.Type().AssignableTo(dst.Type()) {
		return fmt.Errorf("%w: %s into %s", ErrUnsupportedValue, xv.Type(), dst.Type())
	}
	dst.Set(xv)
	return nil
}
