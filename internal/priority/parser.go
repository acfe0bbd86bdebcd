package priority

import (
	"math"
	"strconv"
	"strings"

	"owl-field-agent/internal/fieldbus"
	"owl-field-agent/internal/models"

	"go.uber.org/zap"
)

// Parser 优先级数组解析器
type Parser struct {
	logger *zap.Logger
}

// NewParser 创建优先级数组解析器
func NewParser(logger *zap.Logger) *Parser {
	return &Parser{logger: logger}
}

// Parse 把设备返回的 priority-array 归一化为 16 槽位数组与当前生效优先级
// 空值或非序列输入返回 (nil, nil)；单个槽位异常降级为原始字符串，不会整体失败
func (p *Parser) Parse(raw fieldbus.RawValue) (*models.PriorityArray, *int) {
	if raw.IsNull() {
		return nil, nil
	}
	if raw.Kind != fieldbus.KindSequence {
		p.logger.Debug("Priority array is not a sequence",
			zap.String("raw", raw.String()),
		)
		return nil, nil
	}

	elems := raw.Elements
	if len(elems) > models.PrioritySlotCount {
		p.logger.Warn("Priority array longer than 16 slots, truncating",
			zap.Int("length", len(elems)),
		)
		elems = elems[:models.PrioritySlotCount]
	}

	var array models.PriorityArray
	for i, elem := range elems {
		array[i] = parseSlot(elem)
	}
	// 不足 16 个的尾部槽位保持零值（空）

	return &array, array.ActivePriority()
}

// Parse 无日志版本
func Parse(raw fieldbus.RawValue) (*models.PriorityArray, *int) {
	return NewParser(zap.NewNop()).Parse(raw)
}

func parseSlot(v fieldbus.RawValue) models.PrioritySlot {
	if v.IsNull() {
		return models.AbsentSlot()
	}
	switch v.Kind {
	case fieldbus.KindNumber:
		if math.IsNaN(v.Number) || math.IsInf(v.Number, 0) {
			return models.RawSlot(v.String())
		}
		return models.NumericSlot(v.Number)
	case fieldbus.KindString:
		f, err := strconv.ParseFloat(strings.TrimSpace(v.Text), 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return models.RawSlot(v.Text)
		}
		return models.NumericSlot(f)
	default:
		return models.RawSlot(v.String())
	}
}
