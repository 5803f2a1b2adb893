// Package jobbuilder 由 Run 快照构建作业描述
//
// 资源数量沿用 Kubernetes quantity 的写法（"500m"、"2"、"256Mi"、"4Gi"），
// 上限为请求的 2 倍，并保持与请求相同的单位写法。
package jobbuilder

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"

	"runplane/internal/shared/model"
)

// ErrInvalidQuantity 资源数量格式不合法
var ErrInvalidQuantity = errors.New("invalid resource quantity")

var quantityRe = regexp.MustCompile(`^(\d+)(m|Ki|Mi|Gi|Ti)?$`)

var binaryUnits = map[string]int64{
	"":   1,
	"Ki": 1 << 10,
	"Mi": 1 << 20,
	"Gi": 1 << 30,
	"Ti": 1 << 40,
}

// Quantity 解析后的数量：尾数 + 单位后缀
type Quantity struct {
	Value int64
	Unit  string
}

// ParseQuantity 解析资源数量
func ParseQuantity(s string) (Quantity, error) {
	m := quantityRe.FindStringSubmatch(s)
	if m == nil {
		return Quantity{}, fmt.Errorf("%w: %q", ErrInvalidQuantity, s)
	}
	v, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return Quantity{}, fmt.Errorf("%w: %q", ErrInvalidQuantity, s)
	}
	return Quantity{Value: v, Unit: m[2]}, nil
}

func (q Quantity) String() string {
	return strconv.FormatInt(q.Value, 10) + q.Unit
}

// Double 返回 2 倍数量，单位不变；毫核整除 1000 时提升为整核
func (q Quantity) Double() (Quantity, error) {
	if q.Value > math.MaxInt64/2 {
		return Quantity{}, fmt.Errorf("%w: %s overflows", ErrInvalidQuantity, q)
	}
	d := Quantity{Value: q.Value * 2, Unit: q.Unit}
	if d.Unit == "m" && d.Value%1000 == 0 {
		d = Quantity{Value: d.Value / 1000}
	}
	return d, nil
}

// DoubleQuantity "1"→"2"、"2Gi"→"4Gi"、"500m"→"1"、"256Mi"→"512Mi"
func DoubleQuantity(s string) (string, error) {
	q, err := ParseQuantity(s)
	if err != nil {
		return "", err
	}
	d, err := q.Double()
	if err != nil {
		return "", err
	}
	return d.String(), nil
}

// Limits 由请求计算上限
func Limits(req model.ResourceSpec) (model.ResourceSpec, error) {
	cpu, err := DoubleQuantity(req.CPU)
	if err != nil {
		return model.ResourceSpec{}, fmt.Errorf("cpu: %w", err)
	}
	mem, err := DoubleQuantity(req.Memory)
	if err != nil {
		return model.ResourceSpec{}, fmt.Errorf("memory: %w", err)
	}
	return model.ResourceSpec{CPU: cpu, Memory: mem}, nil
}

// ValidateCPU CPU 只接受整核或毫核
func ValidateCPU(s string) error {
	q, err := ParseQuantity(s)
	if err != nil {
		return err
	}
	if q.Unit != "" && q.Unit != "m" {
		return fmt.Errorf("%w: cpu %q must be cores or millicores", ErrInvalidQuantity, s)
	}
	if q.Value == 0 {
		return fmt.Errorf("%w: cpu must be positive", ErrInvalidQuantity)
	}
	return nil
}

// ValidateMemory 内存只接受字节或二进制单位
func ValidateMemory(s string) error {
	q, err := ParseQuantity(s)
	if err != nil {
		return err
	}
	if q.Unit == "m" {
		return fmt.Errorf("%w: memory %q cannot use millis", ErrInvalidQuantity, s)
	}
	if q.Value == 0 {
		return fmt.Errorf("%w: memory must be positive", ErrInvalidQuantity)
	}
	return nil
}

// NanoCPUs CPU 数量换算为 1e-9 核（容器运行时使用）
func NanoCPUs(s string) (int64, error) {
	if err := ValidateCPU(s); err != nil {
		return 0, err
	}
	q, _ := ParseQuantity(s)
	if q.Unit == "m" {
		return q.Value * 1_000_000, nil
	}
	return q.Value * 1_000_000_000, nil
}

// MemoryBytes 内存数量换算为字节
func MemoryBytes(s string) (int64, error) {
	if err := ValidateMemory(s); err != nil {
		return 0, err
	}
	q, _ := ParseQuantity(s)
	mult := binaryUnits[q.Unit]
	if q.Value > math.MaxInt64/mult {
		return 0, fmt.Errorf("%w: %s overflows", ErrInvalidQuantity, s)
	}
	return q.Value * mult, nil
}
