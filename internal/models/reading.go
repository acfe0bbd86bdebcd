package models

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// PrioritySlotCount BACnet 优先级数组固定 16 个槽位
const PrioritySlotCount = 16

// SlotKind 优先级槽位类型
type SlotKind int

const (
	SlotAbsent  SlotKind = iota // 无覆盖（null）
	SlotNumeric                 // 数值覆盖
	SlotRaw                     // 无法转换为数值，保留原始字符串
)

// PrioritySlot 单个优先级槽位（封闭的标签联合）
type PrioritySlot struct {
	Kind   SlotKind
	Number float64
	Raw    string
}

// AbsentSlot 空槽位
func AbsentSlot() PrioritySlot { return PrioritySlot{Kind: SlotAbsent} }

// NumericSlot 数值槽位
func NumericSlot(v float64) PrioritySlot { return PrioritySlot{Kind: SlotNumeric, Number: v} }

// RawSlot 原始字符串槽位
func RawSlot(s string) PrioritySlot { return PrioritySlot{Kind: SlotRaw, Raw: s} }

// IsAbsent 是否为空槽位
func (s PrioritySlot) IsAbsent() bool { return s.Kind == SlotAbsent }

// MarshalJSON null / number / string
func (s PrioritySlot) MarshalJSON() ([]byte, error) {
	switch s.Kind {
	case SlotNumeric:
		return json.Marshal(s.Number)
	case SlotRaw:
		return json.Marshal(s.Raw)
	default:
		return []byte("null"), nil
	}
}

// UnmarshalJSON null / number / string
func (s *PrioritySlot) UnmarshalJSON(data []byte) error {
	var v interface{}
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case nil:
		*s = AbsentSlot()
	case float64:
		*s = NumericSlot(val)
	case string:
		*s = RawSlot(val)
	default:
		return fmt.Errorf("unsupported priority slot value: %s", string(data))
	}
	return nil
}

// String 便于日志输出
func (s PrioritySlot) String() string {
	switch s.Kind {
	case SlotNumeric:
		return strconv.FormatFloat(s.Number, 'f', -1, 64)
	case SlotRaw:
		return strconv.Quote(s.Raw)
	default:
		return "null"
	}
}

// PriorityArray 16 槽位优先级数组
type PriorityArray [PrioritySlotCount]PrioritySlot

// ActivePriority 第一个非空槽位（1 起始），全部为空返回 nil
func (p *PriorityArray) ActivePriority() *int {
	if p == nil {
		return nil
	}
	for i, slot := range p {
		if !slot.IsAbsent() {
			idx := i + 1
			return &idx
		}
	}
	return nil
}

// Reading 一次采样得到的标准化读数
// ID 与 Delivered 仅在本地使用，不上传
type Reading struct {
	ID             int64          `json:"-"`
	Timestamp      time.Time      `json:"timestamp"`
	SensorName     string         `json:"sensor_name"`
	Value          float64        `json:"value"`
	Unit           string         `json:"unit"`
	PriorityArray  *PriorityArray `json:"priority_array"`
	ActivePriority *int           `json:"active_priority"`
	Delivered      bool           `json:"-"`
}

// IntPtr 辅助函数
func IntPtr(v int) *int { return &v }
