package packer

import (
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
)

// matchThreshold 置信度阈值
const matchThreshold = 0.4

// Detector 打包器识别器（仅做字符串包含匹配）
type Detector struct {
	rules  []PackerRule
	logger *logrus.Logger
}

// NewDetector 创建识别器
func NewDetector(logger *logrus.Logger) *Detector {
	return NewDetectorWithRules(GetBuiltinRules(), logger)
}

// NewDetectorWithRules 使用自定义规则创建识别器
func NewDetectorWithRules(rules []PackerRule, logger *logrus.Logger) *Detector {
	sorted := make([]PackerRule, len(rules))
	copy(sorted, rules)
	// 按优先级降序排序，同优先级保持定义顺序
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Priority > sorted[j].Priority
	})

	return &Detector{
		rules:  sorted,
		logger: logger,
	}
}

// Detect 根据提取出的字符串识别打包器
func (d *Detector) Detect(extracted []string, fileSize int64) *PackerInfo {
	result := &PackerInfo{
		IsPacked:   false,
		Indicators: []string{},
		Probe:      ProbeNone,
	}

	for _, rule := range d.rules {
		if rule.MinSize > 0 && fileSize < rule.MinSize {
			continue
		}

		confidence, indicators := d.matchRule(rule, extracted)
		if confidence >= matchThreshold {
			result.IsPacked = true
			result.PackerName = rule.Name
			result.PackerType = rule.Type
			result.Confidence = min(confidence, 1.0)
			result.Indicators = indicators
			result.Probe = rule.Probe

			d.logger.WithFields(logrus.Fields{
				"packer_name": result.PackerName,
				"packer_type": result.PackerType,
				"confidence":  result.Confidence,
				"indicators":  result.Indicators,
			}).Info("Packer detected")

			return result
		}
	}

	d.logger.Debug("No packer detected")
	return result
}

// matchRule 匹配单个规则，每个特征只计一次
func (d *Detector) matchRule(rule PackerRule, extracted []string) (float64, []string) {
	confidence := 0.0
	indicators := []string{}

	for _, marker := range rule.Markers {
		if containsAny(extracted, marker) {
			confidence += 0.4
			indicators = append(indicators, "marker:"+marker)
		}
	}

	for _, hint := range rule.Hints {
		if containsAny(extracted, hint) {
			confidence += 0.2
			indicators = append(indicators, "hint:"+hint)
		}
	}

	return confidence, indicators
}

func containsAny(values []string, needle string) bool {
	for _, v := range values {
		if strings.Contains(v, needle) {
			return true
		}
	}
	return false
}

// GetPackerSummary 获取识别摘要
func (d *Detector) GetPackerSummary(info *PackerInfo) string {
	return Summary(info)
}

// Summary 生成 "名称 (类型)" 形式的摘要
func Summary(info *PackerInfo) string {
	if info == nil || !info.IsPacked {
		return "No known packer detected"
	}

	var summary strings.Builder
	summary.WriteString(info.PackerName)
	summary.WriteString(" (")
	summary.WriteString(info.PackerType)
	summary.WriteString(")")
	return summary.String()
}
