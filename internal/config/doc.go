// Package config собирает настройки бинарников Relay из переменных
// окружения и необязательного YAML файла RELAY_CONFIG (ёмкости ресурсов
// и cron-триггеры).
package config
