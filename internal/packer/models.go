package packer

// PackerInfo 打包器识别结果
type PackerInfo struct {
	IsPacked   bool     `json:"is_packed"`   // 是否识别出打包器
	PackerName string   `json:"packer_name"` // 打包器名称
	PackerType string   `json:"packer_type"` // bundle/compiled/obfuscated
	Confidence float64  `json:"confidence"`  // 置信度 0-1
	Indicators []string `json:"indicators"`  // 命中的特征
	Probe      string   `json:"probe"`       // 对应的检测项
}

// PackerType 打包器类型
const (
	PackerTypeBundle     = "bundle"     // 冻结解释器 + 字节码归档
	PackerTypeCompiled   = "compiled"   // 编译为本地代码
	PackerTypeObfuscated = "obfuscated" // 字节码混淆/加密
)

// Probe 对应的检测项
const (
	ProbePyInstaller = "pyinstaller_test"
	ProbeNuitka      = "nuitka_analysis"
	ProbePyArmor     = "pyarmor_test"
	ProbeNone        = "none"
)

// PackerRule 打包器特征规则
type PackerRule struct {
	Name     string   // 打包器名称
	Type     string   // 打包器类型
	Markers  []string // 强特征字符串（命中一个 +0.4）
	Hints    []string // 弱特征字符串（命中一个 +0.2）
	MinSize  int64    // 文件小于此值时不匹配（字节）
	Probe    string   // 对应检测项
	Priority int      // 优先级 (越大越优先匹配)
}
