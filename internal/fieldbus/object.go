package fieldbus

import (
	"fmt"
	"strconv"
	"strings"
)

// ObjectType BACnet 对象类型（kebab-case 规范名）
type ObjectType string

const (
	AnalogInput      ObjectType = "analog-input"
	AnalogOutput     ObjectType = "analog-output"
	AnalogValue      ObjectType = "analog-value"
	BinaryInput      ObjectType = "binary-input"
	BinaryOutput     ObjectType = "binary-output"
	BinaryValue      ObjectType = "binary-value"
	MultiStateInput  ObjectType = "multi-state-input"
	MultiStateOutput ObjectType = "multi-state-output"
	MultiStateValue  ObjectType = "multi-state-value"
)

// Property 读取的属性
type Property string

const (
	PresentValue  Property = "present-value"
	PriorityArray Property = "priority-array"
)

var knownTypes = map[string]ObjectType{
	"analoginput":      AnalogInput,
	"analogoutput":     AnalogOutput,
	"analogvalue":      AnalogValue,
	"binaryinput":      BinaryInput,
	"binaryoutput":     BinaryOutput,
	"binaryvalue":      BinaryValue,
	"multistateinput":  MultiStateInput,
	"multistateoutput": MultiStateOutput,
	"multistatevalue":  MultiStateValue,
}

var commandableTypes = map[ObjectType]bool{
	AnalogValue:      true,
	AnalogOutput:     true,
	BinaryValue:      true,
	BinaryOutput:     true,
	MultiStateValue:  true,
	MultiStateOutput: true,
}

// ParseObjectType 解析对象类型，兼容 "analogValue" / "analog-value" / "analog_value"
func ParseObjectType(s string) (ObjectType, error) {
	key := strings.ToLower(strings.NewReplacer("-", "", "_", "", " ", "").Replace(s))
	if t, ok := knownTypes[key]; ok {
		return t, nil
	}
	return "", fmt.Errorf("unknown object type: %q", s)
}

// IsCommandable 是否支持优先级数组
func (t ObjectType) IsCommandable() bool {
	return commandableTypes[t]
}

// PointRef 对象引用 type:instance
type PointRef struct {
	Type     ObjectType
	Instance uint32
}

// ParsePointRef 解析 "analogInput:1" 形式的对象引用
func ParsePointRef(s string) (PointRef, error) {
	typePart, instancePart, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return PointRef{}, fmt.Errorf("invalid object reference %q: expected type:instance", s)
	}

	objType, err := ParseObjectType(typePart)
	if err != nil {
		return PointRef{}, err
	}

	instance, err := strconv.ParseUint(strings.TrimSpace(instancePart), 10, 22)
	if err != nil {
		return PointRef{}, fmt.Errorf("invalid object instance in %q: %w", s, err)
	}

	return PointRef{Type: objType, Instance: uint32(instance)}, nil
}

// String type:instance
func (p PointRef) String() string {
	return fmt.Sprintf("%s:%d", p.Type, p.Instance)
}

// Point 一个采集点位
type Point struct {
	Name        string
	Object      PointRef
	Unit        string
	Description string
}
