package fieldbus

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ValueKind 原始值类型
type ValueKind int

const (
	KindNull ValueKind = iota
	KindNumber
	KindString
	KindSequence
)

// NullSentinel 设备以字符串形式报告空值时使用的标记
const NullSentinel = "null"

// RawValue 协议边界处归一化后的原始值
// 传输层负责把设备返回的各种对象收敛为这几种形态
type RawValue struct {
	Kind     ValueKind
	Number   float64
	Text     string
	Elements []RawValue
}

// Null 空值
func Null() RawValue { return RawValue{Kind: KindNull} }

// Number 数值
func Number(v float64) RawValue { return RawValue{Kind: KindNumber, Number: v} }

// String 字符串
func String(s string) RawValue { return RawValue{Kind: KindString, Text: s} }

// Sequence 序列
func Sequence(elems ...RawValue) RawValue { return RawValue{Kind: KindSequence, Elements: elems} }

// IsNull 空值或等于空值标记的字符串
func (v RawValue) IsNull() bool {
	switch v.Kind {
	case KindNull:
		return true
	case KindString:
		return strings.EqualFold(strings.TrimSpace(v.Text), NullSentinel)
	default:
		return false
	}
}

// Float64 将 present-value 转换为浮点数
// 二值对象常以 active/inactive 报告
func (v RawValue) Float64() (float64, error) {
	switch v.Kind {
	case KindNumber:
		if !isFinite(v.Number) {
			return 0, fmt.Errorf("value %v is not finite", v.Number)
		}
		return v.Number, nil
	case KindString:
		s := strings.TrimSpace(v.Text)
		switch strings.ToLower(s) {
		case "active", "true", "on":
			return 1, nil
		case "inactive", "false", "off":
			return 0, nil
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, fmt.Errorf("value %q is not numeric", s)
		}
		// ParseFloat 接受 NaN/Inf，这类值既无法入库也无法编码为 JSON
		if !isFinite(f) {
			return 0, fmt.Errorf("value %q is not finite", s)
		}
		return f, nil
	case KindNull:
		return 0, fmt.Errorf("value is null")
	default:
		return 0, fmt.Errorf("sequence value is not numeric")
	}
}

// String 原始字符串形式
func (v RawValue) String() string {
	switch v.Kind {
	case KindNumber:
		return strconv.FormatFloat(v.Number, 'f', -1, 64)
	case KindString:
		return v.Text
	case KindSequence:
		parts := make([]string, len(v.Elements))
		for i, e := range v.Elements {
			parts[i] = e.String()
		}
		return "[" + strings.Join(parts, ", ") + "]"
	default:
		return NullSentinel
	}
}

// DecodeJSON 把网关返回的 JSON 值归一化为 RawValue
// 对象类型的值（如 {"real": 21.5} / {"null": null}）取唯一字段继续解析
func DecodeJSON(data json.RawMessage) (RawValue, error) {
	if len(data) == 0 {
		return Null(), nil
	}

	var v interface{}
	if err := json.Unmarshal(data, &v); err != nil {
		return RawValue{}, fmt.Errorf("failed to decode value: %w", err)
	}
	return fromInterface(v), nil
}

func fromInterface(v interface{}) RawValue {
	switch val := v.(type) {
	case nil:
		return Null()
	case float64:
		return Number(val)
	case bool:
		if val {
			return Number(1)
		}
		return Number(0)
	case string:
		return String(val)
	case []interface{}:
		elems := make([]RawValue, len(val))
		for i, e := range val {
			elems[i] = fromInterface(e)
		}
		return Sequence(elems...)
	case map[string]interface{}:
		if len(val) == 1 {
			for tag, inner := range val {
				if strings.EqualFold(tag, NullSentinel) {
					return Null()
				}
				return fromInterface(inner)
			}
		}
		encoded, _ := json.Marshal(val)
		return String(string(encoded))
	default:
		return String(fmt.Sprint(val))
	}
}

func isFinite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
