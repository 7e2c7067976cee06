package fs

import (
	"path/filepath"
	"strings"
)

// Language constants for common programming languages.
const (
	LangGo         = "go"
	LangTypeScript = "typescript"
	LangJavaScript = "javascript"
	LangPython     = "python"
	LangRust       = "rust"
	LangJava       = "java"
	LangC          = "c"
	LangCPP        = "cpp"
	LangCSharp     = "csharp"
	LangRuby       = "ruby"
	LangPHP        = "php"
	LangSwift      = "swift"
	LangKotlin     = "kotlin"
	LangScala      = "scala"
	LangShell      = "shell"
	LangSQL        = "sql"
	LangHTML       = "html"
	LangCSS        = "css"
	LangJSON       = "json"
	LangYAML       = "yaml"
	LangTOML       = "toml"
	LangMarkdown   = "markdown"
	LangXML        = "xml"
	LangText       = "text"
	LangUnknown    = ""
)

// Language detection maps.
var (
	// extToLang maps file extensions to languages.
	extToLang = map[string]string{
		// Go
		".go": LangGo,

		// TypeScript/JavaScript
		".ts":  LangTypeScript,
		".tsx": LangTypeScript,
		".mts": LangTypeScript,
		".cts": LangTypeScript,
		".js":  LangJavaScript,
		".jsx": LangJavaScript,
		".mjs": LangJavaScript,
		".cjs": LangJavaScript,

		// Python
		".py":  LangPython,
		".pyi": LangPython,
		".pyw": LangPython,

		// Rust
		".rs": LangRust,

		// Java
		".java": LangJava,

		// C/C++
		".c":   LangC,
		".h":   LangC,
		".cc":  LangCPP,
		".cpp": LangCPP,
		".cxx": LangCPP,
		".hpp": LangCPP,
		".hxx": LangCPP,

		// C#
		".cs": LangCSharp,

		// Ruby
		".rb":   LangRuby,
		".rake": LangRuby,

		// PHP
		".php": LangPHP,

		// Swift
		".swift": LangSwift,

		// Kotlin
		".kt":  LangKotlin,
		".kts": LangKotlin,

		// Scala
		".scala": LangScala,

		// Shell
		".sh":   LangShell,
		".bash": LangShell,
		".zsh":  LangShell,
		".fish": LangShell,

		// SQL
		".sql": LangSQL,

		// Web
		".html": LangHTML,
		".htm":  LangHTML,
		".css":  LangCSS,
		".scss": LangCSS,
		".sass": LangCSS,
		".less": LangCSS,

		// Data formats
		".json":  LangJSON,
		".jsonc": LangJSON,
		".yaml":  LangYAML,
		".yml":   LangYAML,
		".toml":  LangTOML,
		".xml":   LangXML,

		// Documentation
		".md":       LangMarkdown,
		".markdown": LangMarkdown,
		".txt":      LangText,
		".text":     LangText,
		".rst":      LangText,
	}

	// filenameToLang maps specific filenames to languages.
	filenameToLang = map[string]string{
		"Makefile":      LangShell,
		"makefile":      LangShell,
		"Dockerfile":    LangShell,
		"dockerfile":    LangShell,
		"Rakefile":      LangRuby,
		"Gemfile":       LangRuby,
		"Jenkinsfile":   LangShell,
		".bashrc":       LangShell,
		".zshrc":        LangShell,
		".profile":      LangShell,
		".gitignore":    LangText,
		".gitconfig":    LangText,
		".editorconfig": LangText,
	}
)

// DetectLanguage determines the programming language of a file based on its path.
func DetectLanguage(path string) string {
	filename := filepath.Base(path)

	// Check specific filenames first
	if lang, ok := filenameToLang[filename]; ok {
		return lang
	}

	// Check file extension
	ext := strings.ToLower(filepath.Ext(path))
	if lang, ok := extToLang[ext]; ok {
		return lang
	}

	return LangUnknown
}

// IsCodeFile returns true if the file appears to be source code.
func IsCodeFile(path string) bool {
	switch DetectLanguage(path) {
	case LangGo, LangTypeScript, LangJavaScript, LangPython, LangRust,
		LangJava, LangC, LangCPP, LangCSharp, LangRuby, LangPHP,
		LangSwift, LangKotlin, LangScala, LangShell, LangSQL:
		return true
	default:
		return false
	}
}

var (
	// binaryExts are never indexed, whatever their contents.
	binaryExts = map[string]bool{
		".png": true, ".jpg": true, ".jpeg": true, ".gif": true, ".webp": true, ".svg": true, ".ico": true, ".bmp": true,
		".pdf": true, ".doc": true, ".docx": true, ".xls": true, ".xlsx": true, ".ppt": true, ".pptx": true,
		".zip": true, ".tar": true, ".gz": true, ".rar": true, ".7z": true,
		".exe": true, ".dll": true, ".so": true, ".dylib": true,
		".mp3": true, ".mp4": true, ".avi": true, ".mov": true, ".wav": true,
		".ttf": true, ".otf": true, ".woff": true, ".woff2": true, ".eot": true,
	}

	// textNames are extensionless or well-known files that are always text.
	textNames = map[string]bool{
		"license": true, "dockerfile": true, "makefile": true, "procfile": true,
		"gemfile": true, "pipfile": true, "package.json": true, "requirements.txt": true,
	}

	extraTextExts = map[string]bool{".properties": true, ".env": true, ".gitignore": true}
)

// IsTextEligible reports whether a path names a file worth indexing as text.
// Decided on the name alone; content sniffing happens separately.
func IsTextEligible(path string) bool {
	base := filepath.Base(path)
	name := strings.ToLower(base)
	if textNames[name] {
		return true
	}
	if _, ok := filenameToLang[base]; ok {
		return true
	}

	ext := strings.ToLower(filepath.Ext(name))
	if ext == "" || binaryExts[ext] {
		return false
	}
	if _, ok := extToLang[ext]; ok {
		return true
	}
	return extraTextExts[ext]
}
