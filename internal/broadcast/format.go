package broadcast

import (
	"fmt"
	"strings"
)

// SelectMode picks inline text for content shorter than threshold and a
// document attachment otherwise.
func SelectMode(length, threshold int) Mode {
	if length < threshold {
		return ModeText
	}
	return ModeDocument
}

const textHeader = "Precio dolar BCV es:"

// formatText wraps the report in a MarkdownV2 pre block.
func formatText(content string) string {
	return textHeader + "\n```\n" + escapePre(content) + "\n```"
}

// escapePre escapes the characters MarkdownV2 reserves inside pre blocks.
func escapePre(s string) string {
	if !strings.ContainsAny(s, "`\\") {
		return s
	}
	var b strings.Builder
	b.Grow(len(s) + 8)
	for _, r := range s {
		if r == '`' || r == '\\' {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

func documentCaption(name string) string {
	return "Contenido del archivo " + name
}

// Summary is the operator message sent after a broadcast that started.
func Summary(r Report) string {
	head := "Se ha enviado notificacion a todos!"
	if r.Result == ResultCanceled {
		head = "Envio de notificacion interrumpido."
	}
	return fmt.Sprintf("%s\nEntregados: %d | Bloqueados: %d | Errores: %d", head, r.Delivered, r.Blocked, r.Transient)
}

// FailureText explains a broadcast that could not start because of the
// report file. It returns "" for any other result.
func FailureText(res Result, date string) string {
	switch res {
	case ResultArtifactMissing:
		return fmt.Sprintf("Error: No se encontró el archivo de moneda para hoy: %s. Por favor, verifica la ruta o la existencia del archivo.", date)
	case ResultArtifactUnreadable:
		return fmt.Sprintf("Error: No se pudo leer el archivo de moneda para hoy: %s.", date)
	}
	return ""
}
