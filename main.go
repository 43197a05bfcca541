package main

import "telegram-plan-bot/internal/bot"

func main() {
	bot.Run()
}
