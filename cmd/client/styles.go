package main

import (
	"github.com/charmbracelet/lipgloss"
)

var (
	// Color scheme
	PrimaryColor   = lipgloss.Color("39")  // Blue
	SecondaryColor = lipgloss.Color("213") // Pink
	SuccessColor   = lipgloss.Color("42")  // Green
	ErrorColor     = lipgloss.Color("196") // Red
	WarningColor   = lipgloss.Color("214") // Orange
	MutedColor     = lipgloss.Color("243") // Gray

	BaseStyle = lipgloss.NewStyle()

	HeaderStyle = BaseStyle.
			Bold(true).
			Foreground(PrimaryColor)

	TimestampStyle = BaseStyle.
			Foreground(MutedColor)

	MessageAuthorStyle = BaseStyle.
				Foreground(SecondaryColor).
				Bold(true)

	SystemMessageStyle = BaseStyle.
				Foreground(MutedColor).
				Italic(true)

	StatusMessageStyle = BaseStyle.
				Foreground(WarningColor)

	FileMessageStyle = BaseStyle.
				Foreground(SuccessColor)

	ErrorStyle = BaseStyle.
			Foreground(ErrorColor).
			Bold(true)
)
