package banner

import (
	"github.com/charmbracelet/lipgloss"
)

func GetString() string {
	style := lipgloss.NewStyle().
		Foreground(lipgloss.Color("#7D56F4")).
		Bold(true)

	ascii := `
                  __
  ____________  _/  |_  ____ _______  _____
_/ ___\___   \ \   __\/  _ \\_  __ \/     \
\  \___ \___  \ |  | (  <_> )|  | \/  Y Y  \
 \___  >____  / |__|  \____/ |__|  |__|_|  /
     \/     \/      C-STORE load         \/ `

	return "\n" + style.Render(ascii) + "\n"
}
