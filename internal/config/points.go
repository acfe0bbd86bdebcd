package config

import (
	"fmt"
	"os"

	"owl-field-agent/internal/fieldbus"

	"gopkg.in/yaml.v3"
)

// pointSpec 点位文件中的一项
type pointSpec struct {
	Name        string `yaml:"name"`
	Object      string `yaml:"object"`
	Unit        string `yaml:"unit"`
	Description string `yaml:"description"`
}

type pointsFile struct {
	Points []pointSpec `yaml:"points"`
}

var defaultPointSpecs = []pointSpec{
	{Name: "pool_temperature", Object: "analogInput:1", Unit: "°C", Description: "Pool Water Temperature"},
	{Name: "pool_ph", Object: "analogInput:2", Unit: "pH", Description: "Pool pH Level"},
	{Name: "chlorine_level", Object: "analogInput:3", Unit: "ppm", Description: "Chlorine Concentration"},
	{Name: "water_pressure", Object: "analogInput:4", Unit: "bar", Description: "Water Pressure"},
	{Name: "flow_rate", Object: "analogInput:5", Unit: "m³/h", Description: "Water Flow Rate"},
}

// DefaultPoints 默认泳池点位
func DefaultPoints() []fieldbus.Point {
	points, err := resolvePoints(defaultPointSpecs)
	if err != nil {
		panic(err)
	}
	return points
}

// LoadPointsFile 从 YAML 文件加载点位定义
func LoadPointsFile(path string) ([]fieldbus.Point, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read points file: %w", err)
	}

	var file pointsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse points file %s: %w", path, err)
	}
	if len(file.Points) == 0 {
		return nil, fmt.Errorf("points file %s defines no points", path)
	}

	return resolvePoints(file.Points)
}

func resolvePoints(specs []pointSpec) ([]fieldbus.Point, error) {
	points := make([]fieldbus.Point, 0, len(specs))
	for i, s := range specs {
		if s.Name == "" {
			return nil, fmt.Errorf("point #%d has no name", i+1)
		}
		ref, err := fieldbus.ParsePointRef(s.Object)
		if err != nil {
			return nil, fmt.Errorf("point %s: %w", s.Name, err)
		}
		points = append(points, fieldbus.Point{
			Name:        s.Name,
			Object:      ref,
			Unit:        s.Unit,
			Description: s.Description,
		})
	}
	return points, nil
}
