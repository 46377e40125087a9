package packer

// GetBuiltinRules 获取内置打包器规则库
func GetBuiltinRules() []PackerRule {
	return []PackerRule{
		{
			Name:     "PyArmor",
			Type:     PackerTypeObfuscated,
			Markers:  []string{"__pyarmor__", "pyarmor_runtime", "pytransform"},
			Hints:    []string{"PYARMOR", "_pytransform", "__armor_enter__", "__armor_exit__"},
			Probe:    ProbePyArmor,
			Priority: 100,
		},
		{
			Name:     "PyInstaller",
			Type:     PackerTypeBundle,
			Markers:  []string{"pyi-runtime-tmpdir", "pyi-windows-manifest-filename", "_MEIPASS", "PYZ-00.pyz"},
			Hints:    []string{"pyiboot01_bootstrap", "pyimod01_archive", "pyi_rth_", "Cannot open PyInstaller archive", "_PYI_"},
			MinSize:  1024,
			Probe:    ProbePyInstaller,
			Priority: 90,
		},
		{
			Name:     "Nuitka",
			Type:     PackerTypeCompiled,
			Markers:  []string{"__nuitka_binary_dir", "NUITKA_ONEFILE_PARENT", "nuitka_types_patch"},
			Hints:    []string{"Nuitka", "__compiled__", "onefile_", "__nuitka"},
			MinSize:  1024,
			Probe:    ProbeNuitka,
			Priority: 90,
		},
		{
			Name:     "cx_Freeze",
			Type:     PackerTypeBundle,
			Markers:  []string{"cx_Freeze", "__startup__", "BUILD_CONSTANTS"},
			Hints:    []string{"lib/library.zip", "frozen_application_license"},
			MinSize:  1024,
			Probe:    ProbeNone,
			Priority: 80,
		},
		{
			Name:     "py2exe",
			Type:     PackerTypeBundle,
			Markers:  []string{"PY2EXE_VERBOSE", "py2exe", "zipextimporter"},
			Hints:    []string{"boot_common.py", "library.zip"},
			MinSize:  1024,
			Probe:    ProbeNone,
			Priority: 80,
		},
	}
}
