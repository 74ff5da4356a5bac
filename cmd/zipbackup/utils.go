package main

import "github.com/charmbracelet/lipgloss"

var (
	red   = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	green = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	gray  = lipgloss.NewStyle().Foreground(lipgloss.Color("242"))
)
